package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"time"

	"handle.lopezb.com/internal/handle/bloom"
	"handle.lopezb.com/internal/handle/store"
	"handle.lopezb.com/internal/handle/username"
)

// maxNameLen matches the limit the store enforces on load.
const maxNameLen = 1 << 16

// countReader tracks the byte offset so errors can point at the corruption.
type countReader struct {
	r     io.Reader
	count int64
}

func (cr *countReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.count += int64(n)
	return n, err
}

// corruptionError reports where in the file reading stopped.
type corruptionError struct {
	Offset int64
	Msg    string
	Err    error
}

func (e *corruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[offset %d] %s: %v", e.Offset, e.Msg, e.Err)
	}
	return fmt.Sprintf("[offset %d] %s", e.Offset, e.Msg)
}

func (e *corruptionError) Unwrap() error { return e.Err }

type checkResult struct {
	Usernames uint64
	Shards    map[int]uint32
	Misplaced uint64 // recorded under a shard other than ShardIndex
	Invalid   uint64 // not what username.Normalize would store
	Checksum  uint64
	Tail      bool // bytes after the checksum
}

// checkSnapshot verifies a USR1 stream read from r. Progress goes to out,
// and every username as well when verbose is set.
func checkSnapshot(r io.Reader, out io.Writer, verbose bool) (checkResult, error) {
	res := checkResult{Shards: make(map[int]uint32)}

	hasher := crc64.New(crc64.MakeTable(crc64.ISO))
	counter := &countReader{r: r}
	reader := bufio.NewReader(counter)

	// bufio reads ahead, so the logical offset is what the counter saw
	// minus what is still buffered.
	offset := func() int64 { return counter.count - int64(reader.Buffered()) }
	fail := func(msg string, err error) (checkResult, error) {
		return res, &corruptionError{Offset: offset(), Msg: msg, Err: err}
	}

	header := make([]byte, len(store.SnapshotMagic))
	if _, err := io.ReadFull(reader, header); err != nil {
		return fail("failed to read header", err)
	}
	if string(header) != store.SnapshotMagic {
		return fail(fmt.Sprintf("expected %q, got %q", store.SnapshotMagic, header), store.ErrSnapshotHeader)
	}
	hasher.Write(header)

	lenBuf := make([]byte, 4)

	for {
		opcode, err := reader.ReadByte()
		if err != nil {
			return fail("failed reading opcode", err)
		}
		hasher.Write([]byte{opcode})

		if opcode == store.OpCodeEOF {
			break
		}
		if opcode != store.OpCodeShardData {
			return fail(fmt.Sprintf("unexpected opcode %x", opcode), nil)
		}

		shardByte, err := reader.ReadByte()
		if err != nil {
			return fail("failed reading shard id", err)
		}
		hasher.Write([]byte{shardByte})
		shardID := int(shardByte)

		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			return fail("failed reading name count", err)
		}
		hasher.Write(lenBuf)
		count := binary.LittleEndian.Uint32(lenBuf)

		if count > 0 {
			fmt.Fprintf(out, "[offset %d] Processing shard %d: %d usernames\n", offset(), shardID, count)
		}

		for i := uint32(0); i < count; i++ {
			if _, err := io.ReadFull(reader, lenBuf); err != nil {
				return fail("truncated name length", err)
			}
			hasher.Write(lenBuf)

			nLen := binary.LittleEndian.Uint32(lenBuf)
			if nLen > maxNameLen {
				return fail(fmt.Sprintf("name length %d exceeds %d", nLen, maxNameLen), nil)
			}

			nameBuf := make([]byte, nLen)
			if _, err := io.ReadFull(reader, nameBuf); err != nil {
				return fail("truncated name data", err)
			}
			hasher.Write(nameBuf)
			name := string(nameBuf)

			res.Usernames++
			res.Shards[shardID]++

			var notes []string
			if store.ShardIndex(name) != shardID {
				res.Misplaced++
				notes = append(notes, fmt.Sprintf("belongs in shard %d", store.ShardIndex(name)))
			}
			if norm, err := username.Normalize(name); err != nil || norm != name {
				res.Invalid++
				notes = append(notes, "not normalized")
			}

			if verbose || len(notes) > 0 {
				fmt.Fprintf(out, "[offset %d] Username %q", offset(), name)
				for _, n := range notes {
					fmt.Fprintf(out, " (%s)", n)
				}
				fmt.Fprintln(out)
			}
		}
	}

	calculated := hasher.Sum64()

	stored := make([]byte, 8)
	if _, err := io.ReadFull(reader, stored); err != nil {
		return fail("failed to read checksum", err)
	}
	res.Checksum = binary.LittleEndian.Uint64(stored)

	if res.Checksum != calculated {
		fmt.Fprintf(out, "[offset %d] Checksum MISMATCH\n", offset())
		fmt.Fprintf(out, "   File:       %016x\n", res.Checksum)
		fmt.Fprintf(out, "   Calculated: %016x\n", calculated)
		return fail("checksum mismatch", store.ErrSnapshotChecksum)
	}
	fmt.Fprintf(out, "[offset %d] Checksum OK (%016x)\n", offset(), res.Checksum)

	_, err := reader.Peek(1)
	switch {
	case err == nil:
		res.Tail = true
		fmt.Fprintf(out, "[offset %d] Unexpected data after checksum (ignored by the server)\n", offset())
	case !errors.Is(err, io.EOF):
		fmt.Fprintf(out, "[warn] Error checking for trailing data: %v\n", err)
	}

	return res, nil
}

func printSummary(out io.Writer, res checkResult, elapsed time.Duration) {
	fmt.Fprintln(out, "\nSummary:")
	fmt.Fprintf(out, "  Process Time: %v\n", elapsed)
	fmt.Fprintf(out, "  Usernames:    %d\n", res.Usernames)
	fmt.Fprintf(out, "  Shards used:  %d\n", len(res.Shards))

	if len(res.Shards) > 0 {
		minShard, maxShard := ^uint32(0), uint32(0)
		for _, n := range res.Shards {
			minShard = min(minShard, n)
			maxShard = max(maxShard, n)
		}
		fmt.Fprintf(out, "  Shard sizes:  min %d, max %d\n", minShard, maxShard)
	}
	if res.Misplaced > 0 {
		fmt.Fprintf(out, "  Misplaced:    %d\n", res.Misplaced)
	}
	if res.Invalid > 0 {
		fmt.Fprintf(out, "  Invalid:      %d\n", res.Invalid)
	}
}

// printSizing reports the filter a server would build for n names: the
// server sizes for the larger of its configured capacity and n plus a
// quarter.
func printSizing(out io.Writer, n, expectedItems uint64, p float64) error {
	capacity := max(expectedItems, n+n/4)
	m, k, err := bloom.OptimalParams(capacity, p)
	if err != nil {
		return fmt.Errorf("filter sizing: %w", err)
	}

	fmt.Fprintln(out, "\nFilter sizing:")
	fmt.Fprintf(out, "  Capacity:     %d\n", capacity)
	fmt.Fprintf(out, "  Bits:         %d (%.1f KiB)\n", m, float64(m)/8/1024)
	fmt.Fprintf(out, "  Hashes:       %d\n", k)
	fmt.Fprintf(out, "  Estimated FP: %.4f%% at %d usernames\n", bloom.EstimateFalsePositiveRate(m, k, n)*100, n)
	return nil
}
