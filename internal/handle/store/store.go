// Package store defines the narrow view the availability core has of the
// authoritative username store, and the two implementations the service
// ships with: a sharded in-memory store with snapshot files, and MongoDB.
//
// The core only ever reads. Finder answers point lookups for the resolver,
// Source streams the corpus to the bulk loader. Writer exists for the
// surrounding system (registration and seeding) and is where uniqueness is
// enforced.
package store

import (
	"context"
	"errors"
)

// DefaultPageSize is the number of usernames handed to a FindAll callback at
// a time when the caller does not ask for a specific size.
const DefaultPageSize = 2000

var (
	// ErrDuplicate is returned when inserting a username that is already
	// taken.
	ErrDuplicate = errors.New("store: username already exists")

	// ErrUnavailable wraps every failure to reach or query the backing
	// store. Callers must not interpret it as either "taken" or "absent".
	ErrUnavailable = errors.New("store: unavailable")
)

// Record is one taken username. Usernames are stored folded.
type Record struct {
	Username string `bson:"username" json:"username"`
}

// Finder performs exact-match lookups.
type Finder interface {
	// FindOne returns the record for username and true, or a zero Record
	// and false when no such record exists.
	FindOne(ctx context.Context, username string) (Record, bool, error)
}

// Source streams every username in the store, page by page. Only the
// username is projected.
type Source interface {
	// FindAll calls fn once per page of at most pageSize usernames. A
	// non-nil error from fn stops the sweep and is returned unchanged.
	FindAll(ctx context.Context, pageSize int, fn func(page []string) error) error
}

// Counter reports how many usernames the store holds. It is an optional
// sizing hint for the loader.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Writer mutates the store. It is not used by the availability core.
type Writer interface {
	// Insert claims username. It returns ErrDuplicate if it is taken.
	Insert(ctx context.Context, username string) error
	// InsertMany claims every username, skipping ones already taken, and
	// returns how many were newly inserted.
	InsertMany(ctx context.Context, usernames []string) (int, error)
	// DeleteAll removes every record.
	DeleteAll(ctx context.Context) error
}

// Store is everything a full backend provides.
type Store interface {
	Finder
	Source
	Counter
	Writer
}

func pageSizeOrDefault(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}
