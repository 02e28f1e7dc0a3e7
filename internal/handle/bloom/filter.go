// Package bloom implements the membership filter that sits in front of the
// username store.
//
// A Bloom filter answers "is this key in the set?" with one-sided error: a
// negative answer is always correct, a positive answer may be a false
// positive. The availability resolver relies on that asymmetry. A negative
// lets it answer without touching the store; a positive is only a hint that
// the store must confirm.
//
// The Algorithm
// =============
//
// The filter is a plain (unblocked) bit array of m bits probed by k hash
// functions. Instead of computing k independent hashes we derive all k
// positions from two base digests using the Kirsch-Mitzenmacher double
// hashing scheme:
//
//	position_i = (h1(key) + i * h2(key)) mod m,   i = 0 .. k-1
//
//	[1] A. Kirsch, M. Mitzenmacher. "Less Hashing, Same Performance:
//	    Building a Better Bloom Filter".
//
// The two digests come from two different hash families, xxHash64 and XXH3,
// both computed over the folded key bytes with no seed. Filter behavior is
// therefore reproducible across processes, which the tests depend on.
//
// Keys are folded (trimmed and lowercased) before hashing, so "Alice",
// "alice" and " alice " share one set of positions.
//
// Concurrency Model
// =================
//
// The bit array is append-only: a bit goes from 0 to 1 and never back. There
// is no delete, no clear and no resize. That makes lock-free access safe:
//
//   - Query loads each word atomically. A concurrent Insert can only turn
//     more bits on, so a Query racing an Insert returns either the old or
//     the new answer, never a false negative for a completed insert.
//   - Insert sets each bit with atomic.Uint64.Or, so two writers touching
//     the same word never lose each other's bits.
//
// Memory Layout
// =============
//
// Bits are packed LSB-first into 64-bit words. Position p lives in word p/64
// at bit p%64. The last word may be partially used; its unused high bits are
// never set because positions are always reduced mod m.
package bloom

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"

	"handle.lopezb.com/internal/handle/username"
)

// ErrInvalidParams is returned when a filter cannot be built from the
// requested sizing. It is a configuration error: nothing at runtime can fix
// it.
var ErrInvalidParams = errors.New("bloom: invalid filter parameters")

// Filter is a fixed-size, concurrency-safe Bloom filter over usernames.
//
// The zero value is not usable; construct with New or NewWithParams.
type Filter struct {
	words []atomic.Uint64
	m     uint64 // number of addressable bits
	k     uint32 // number of probes per key
	count atomic.Uint64
}

// New creates a filter sized for n items at false positive probability p.
func New(n uint64, p float64) (*Filter, error) {
	m, k, err := OptimalParams(n, p)
	if err != nil {
		return nil, err
	}
	return NewWithParams(m, k)
}

// NewWithParams creates a filter with exactly m bits and k hash functions.
func NewWithParams(m uint64, k uint32) (*Filter, error) {
	if m == 0 || m > MaxBits {
		return nil, fmt.Errorf("%w: bit count must be in [1, %d], got %d", ErrInvalidParams, MaxBits, m)
	}
	if k == 0 || k > MaxHashes {
		return nil, fmt.Errorf("%w: hash count must be in [1, %d], got %d", ErrInvalidParams, MaxHashes, k)
	}

	return &Filter{
		words: make([]atomic.Uint64, (m+63)/64),
		m:     m,
		k:     k,
	}, nil
}

// Insert adds key to the filter. It reports whether any bit changed; false
// means the key (or a colliding set of keys) was already represented.
// Inserting the same key twice leaves the bit array unchanged.
func (f *Filter) Insert(key string) bool {
	h1, h2 := f.hashes(username.Fold(key))

	changed := false
	pos := h1
	for i := uint32(0); i < f.k; i++ {
		mask := uint64(1) << (pos & 63)
		if old := f.words[pos>>6].Or(mask); old&mask == 0 {
			changed = true
		}
		pos = f.next(pos, h2)
	}

	if changed {
		f.count.Add(1)
	}
	return changed
}

// Query reports whether key is possibly in the set. False means definitely
// absent. It returns as soon as one probed bit is unset.
func (f *Filter) Query(key string) bool {
	h1, h2 := f.hashes(username.Fold(key))

	pos := h1
	for i := uint32(0); i < f.k; i++ {
		mask := uint64(1) << (pos & 63)
		if f.words[pos>>6].Load()&mask == 0 {
			return false
		}
		pos = f.next(pos, h2)
	}
	return true
}

// hashes returns the two base positions for an already-folded key, both
// reduced mod m. The step is never zero so the k probes cannot collapse onto
// a single bit.
func (f *Filter) hashes(key string) (h1, h2 uint64) {
	h1 = xxhash.Sum64String(key) % f.m
	h2 = xxh3.HashString(key) % f.m
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// next advances a probe position by step, mod m. Both operands are already
// below m and m <= MaxBits, so the sum cannot overflow.
func (f *Filter) next(pos, step uint64) uint64 {
	pos += step
	if pos >= f.m {
		pos -= f.m
	}
	return pos
}

// Bits returns m, the number of bits in the filter.
func (f *Filter) Bits() uint64 { return f.m }

// K returns the number of hash functions.
func (f *Filter) K() uint32 { return f.k }

// Count returns the number of inserts that changed at least one bit. It is
// informational only; it slightly undercounts keys that collided entirely.
func (f *Filter) Count() uint64 { return f.count.Load() }

// FillRatio returns the fraction of bits that are set.
func (f *Filter) FillRatio() float64 {
	var set uint64
	for i := range f.words {
		set += uint64(bits.OnesCount64(f.words[i].Load()))
	}
	return float64(set) / float64(f.m)
}

// EstimatedFalsePositiveRate estimates the current false positive rate from
// the insertion count.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	return EstimateFalsePositiveRate(f.m, f.k, f.Count())
}

// Stats is a point-in-time summary of a filter, shaped for JSON responses
// and log fields.
type Stats struct {
	Bits                       uint64  `json:"bits"`
	Bytes                      uint64  `json:"bytes"`
	HashFunctions              uint32  `json:"hash_functions"`
	Items                      uint64  `json:"items"`
	FillRatio                  float64 `json:"fill_ratio"`
	EstimatedFalsePositiveRate float64 `json:"estimated_false_positive_rate"`
}

// Stats returns a snapshot of the filter's sizing and load.
func (f *Filter) Stats() Stats {
	return Stats{
		Bits:                       f.m,
		Bytes:                      uint64(len(f.words)) * 8,
		HashFunctions:              f.k,
		Items:                      f.Count(),
		FillRatio:                  f.FillRatio(),
		EstimatedFalsePositiveRate: f.EstimatedFalsePositiveRate(),
	}
}
