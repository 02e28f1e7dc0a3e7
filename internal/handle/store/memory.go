package store

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"

	"handle.lopezb.com/internal/handle/username"
)

// shardCount determines how many independent maps we maintain. 256 keeps
// registration writes from contending while staying cheap to sweep.
const shardCount = 256

// shard is a single slice of the username set with its own lock, so
// locking one shard does not block the others.
type shard struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// MemoryStore is a sharded in-memory username store. It is the default
// backend for development and tests, and can be persisted with the snapshot
// functions in snapshot.go.
type MemoryStore struct {
	shards [shardCount]*shard
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := 0; i < shardCount; i++ {
		s.shards[i] = &shard{names: make(map[string]struct{})}
	}
	return s
}

// NewMemoryStoreWith creates a store holding the given usernames. Duplicates
// after folding are collapsed.
func NewMemoryStoreWith(usernames ...string) *MemoryStore {
	s := NewMemoryStore()
	for _, name := range usernames {
		s.add(username.Fold(name))
	}
	return s
}

// ShardIndex returns the shard a username lives in: FNV-1a modulo the shard
// count. Snapshots record it per block.
func ShardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[ShardIndex(key)]
}

// add inserts an already-folded name and reports whether it was new.
func (s *MemoryStore) add(name string) bool {
	sh := s.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.names[name]; ok {
		return false
	}
	sh.names[name] = struct{}{}
	return true
}

// FindOne implements Finder.
func (s *MemoryStore) FindOne(ctx context.Context, name string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	key := username.Fold(name)
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if _, ok := sh.names[key]; !ok {
		return Record{}, false, nil
	}
	return Record{Username: key}, true, nil
}

// FindAll implements Source.
func (s *MemoryStore) FindAll(ctx context.Context, pageSize int, fn func(page []string) error) error {
	//
	// DESIGN
	// ------
	//
	// Each shard is cloned under its read lock and the lock is released
	// before any page reaches the callback. The callback may be slow (the
	// loader inserts into a filter, a snapshot writer does I/O) and must not
	// stall registrations on the shard being read. Names claimed after their
	// shard was cloned are not part of this sweep; callers that care keep the
	// filter warm separately.
	//
	// Pages are filled across shard boundaries so every page except the
	// last holds exactly pageSize names.
	//
	pageSize = pageSizeOrDefault(pageSize)
	page := make([]string, 0, pageSize)

	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return err
		}

		sh.mu.RLock()
		names := make([]string, 0, len(sh.names))
		for name := range sh.names {
			names = append(names, name)
		}
		sh.mu.RUnlock()

		slices.Sort(names)

		for _, name := range names {
			page = append(page, name)
			if len(page) == pageSize {
				if err := fn(page); err != nil {
					return err
				}
				page = make([]string, 0, pageSize)
			}
		}
	}

	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

// Count implements Counter.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += int64(len(sh.names))
		sh.mu.RUnlock()
	}
	return n, nil
}

// Insert implements Writer.
func (s *MemoryStore) Insert(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.add(username.Fold(name)) {
		return ErrDuplicate
	}
	return nil
}

// InsertMany implements Writer.
func (s *MemoryStore) InsertMany(ctx context.Context, names []string) (int, error) {
	inserted := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
		if s.add(username.Fold(name)) {
			inserted++
		}
	}
	return inserted, nil
}

// DeleteAll implements Writer.
func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, sh := range s.shards {
		sh.mu.Lock()
		clear(sh.names)
		sh.mu.Unlock()
	}
	return nil
}

// Delete removes a single username and reports whether it existed. The
// filter never forgets a name, so a deleted name keeps falling through to
// the store until the next rebuild; the store's answer wins.
func (s *MemoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := username.Fold(name)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.names[key]; !ok {
		return false, nil
	}
	delete(sh.names, key)
	return true, nil
}
