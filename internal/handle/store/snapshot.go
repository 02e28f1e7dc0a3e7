// snapshot.go persists a MemoryStore to a compact binary file so that a
// development server keeps its usernames across restarts without a
// database.
//
// The Binary Format (USR1)
// ========================
//
// File Structure:
//
//	+--------+-----------+-----------+-----+-----+-----------+
//	| Header | Shard 0   | Shard 1   | ... | EOF | Checksum  |
//	+--------+-----------+-----------+-----+-----+-----------+
//	 4 bytes   variable    variable          1 B    8 bytes
//
// Header: the 4-byte magic string "USR1".
//
// Shard Blocks: each non-empty shard is written as one block:
//
//	+--------+----------+-------+-------+----------+-------+-----
//	| OpCode | Shard ID | Count | NLen  | Username | NLen  | ...
//	+--------+----------+-------+-------+----------+-------+-----
//	  1 byte   1 byte    4 bytes 4 bytes   var
//
//	OpCode:   0xFE marks a shard block.
//	Shard ID: 0-255, used to insert on load without rehashing.
//	Count:    number of usernames in the block.
//	NLen:     little-endian uint32 length prefix.
//
// EOF Marker: the single byte 0xFF.
//
// Checksum: CRC-64 (ISO polynomial) over every preceding byte, stored
// little-endian.

package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"path/filepath"
)

// SnapshotMagic identifies a USR1 snapshot.
const SnapshotMagic = "USR1"

// Opcodes for the binary snapshot format.
const (
	OpCodeShardData = 0xFE
	OpCodeEOF       = 0xFF
)

// maxNameLen rejects absurd length prefixes before allocating for them.
const maxNameLen = 1 << 16

var (
	// ErrSnapshotHeader is returned when a file does not start with the
	// USR1 magic.
	ErrSnapshotHeader = errors.New("store: invalid snapshot header")

	// ErrSnapshotChecksum is returned when the stored CRC does not match
	// the data.
	ErrSnapshotChecksum = errors.New("store: snapshot checksum mismatch")
)

// SaveSnapshot writes every username in s to w in USR1 format.
func (s *MemoryStore) SaveSnapshot(w io.Writer) error {
	//
	// DESIGN
	// ------
	//
	// Clone-then-write: each shard is copied into a RAM buffer under its
	// read lock and the lock is released before the buffer reaches w. The
	// store keeps serving registrations on every shard except the one
	// being copied, and only for the duration of a memory copy.
	//
	// The output is teed into the CRC hasher so the checksum costs no
	// second pass.
	//
	hasher := crc64.New(crc64.MakeTable(crc64.ISO))
	bw := bufio.NewWriter(io.MultiWriter(w, hasher))

	if _, err := bw.WriteString(SnapshotMagic); err != nil {
		return err
	}

	shardBuf := new(bytes.Buffer)
	lenBuf := make([]byte, 4)

	for i, sh := range s.shards {
		sh.mu.RLock()
		count := len(sh.names)
		if count == 0 {
			sh.mu.RUnlock()
			continue
		}

		shardBuf.Reset()
		shardBuf.WriteByte(OpCodeShardData)
		shardBuf.WriteByte(byte(i))
		binary.LittleEndian.PutUint32(lenBuf, uint32(count))
		shardBuf.Write(lenBuf)

		for name := range sh.names {
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(name)))
			shardBuf.Write(lenBuf)
			shardBuf.WriteString(name)
		}
		sh.mu.RUnlock()

		if _, err := shardBuf.WriteTo(bw); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(OpCodeEOF); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// Written straight to w: the checksum does not cover itself.
	return binary.Write(w, binary.LittleEndian, hasher.Sum64())
}

// LoadSnapshot merges a USR1 snapshot from r into s. Names are inserted
// directly into the shard recorded in the file.
func (s *MemoryStore) LoadSnapshot(r io.Reader) error {
	br := bufio.NewReader(r)
	hasher := crc64.New(crc64.MakeTable(crc64.ISO))

	header := make([]byte, len(SnapshotMagic))
	if _, err := io.ReadFull(br, header); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if string(header) != SnapshotMagic {
		return ErrSnapshotHeader
	}
	hasher.Write(header)

	lenBuf := make([]byte, 4)
	loaded := make(map[int]map[string]struct{})

	for {
		opcode, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("read opcode: %w", err)
		}
		hasher.Write([]byte{opcode})

		if opcode == OpCodeEOF {
			break
		}
		if opcode != OpCodeShardData {
			return fmt.Errorf("snapshot stream corruption: unexpected opcode %x", opcode)
		}

		shardID, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("read shard id: %w", err)
		}
		hasher.Write([]byte{shardID})

		if _, err := io.ReadFull(br, lenBuf); err != nil {
			return fmt.Errorf("read shard count: %w", err)
		}
		hasher.Write(lenBuf)
		count := binary.LittleEndian.Uint32(lenBuf)

		names := loaded[int(shardID)]
		if names == nil {
			names = make(map[string]struct{}, count)
			loaded[int(shardID)] = names
		}

		for i := uint32(0); i < count; i++ {
			if _, err := io.ReadFull(br, lenBuf); err != nil {
				return fmt.Errorf("read name length: %w", err)
			}
			hasher.Write(lenBuf)

			nLen := binary.LittleEndian.Uint32(lenBuf)
			if nLen > maxNameLen {
				return fmt.Errorf("snapshot stream corruption: name length %d", nLen)
			}

			nameBuf := make([]byte, nLen)
			if _, err := io.ReadFull(br, nameBuf); err != nil {
				return fmt.Errorf("read name: %w", err)
			}
			hasher.Write(nameBuf)
			names[string(nameBuf)] = struct{}{}
		}
	}

	stored := make([]byte, 8)
	if _, err := io.ReadFull(br, stored); err != nil {
		return fmt.Errorf("read checksum: %w", err)
	}
	if binary.LittleEndian.Uint64(stored) != hasher.Sum64() {
		return ErrSnapshotChecksum
	}

	// Only a verified snapshot touches the store.
	for id, names := range loaded {
		sh := s.shards[id]
		sh.mu.Lock()
		for name := range names {
			sh.names[name] = struct{}{}
		}
		sh.mu.Unlock()
	}
	return nil
}

// SaveFile writes a snapshot to path atomically: the data goes to a
// temporary file in the same directory which is then renamed over path.
// A crash mid-write leaves the previous snapshot intact.
func (s *MemoryStore) SaveFile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := s.SaveSnapshot(tmp); err != nil {
		cleanup()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// LoadFile merges the snapshot at path into s. A missing file is not an
// error: the store simply stays as it is.
func (s *MemoryStore) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := s.LoadSnapshot(f); err != nil {
		return fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return nil
}
