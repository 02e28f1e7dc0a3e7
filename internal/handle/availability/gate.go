package availability

import (
	"sync/atomic"

	"handle.lopezb.com/internal/handle/bloom"
)

// Gate holds the filter the resolver consults and the one being built, if
// any. All methods are safe for concurrent use.
//
// Before the first Publish the gate is not ready and every availability
// check goes to the store.
type Gate struct {
	current  atomic.Pointer[bloom.Filter]
	building atomic.Pointer[bloom.Filter]
}

// NewGate returns a gate with nothing published.
func NewGate() *Gate {
	return &Gate{}
}

// Current returns the published filter, or nil before the first Publish.
func (g *Gate) Current() *bloom.Filter {
	return g.current.Load()
}

// Ready reports whether a filter has been published.
func (g *Gate) Ready() bool {
	return g.current.Load() != nil
}

// Begin registers f as the filter under construction. From now on Insert
// also writes to f.
//
//	1. Begin(f)
//	2. bulk load the store into f
//	3. Publish(f) or Abandon(f)
//
// A name claimed while step 2 runs may be missed by the sweep (its shard or
// page was already read); Insert puts it into f directly. The order in the
// registration path (store first, then Insert) guarantees one of the two
// catches it.
func (g *Gate) Begin(f *bloom.Filter) {
	g.building.Store(f)
}

// Publish makes f the filter the resolver consults. If f was the filter
// under construction it stops being tracked as such.
func (g *Gate) Publish(f *bloom.Filter) {
	g.current.Store(f)
	g.building.CompareAndSwap(f, nil)
}

// Abandon drops f as the filter under construction without publishing it.
func (g *Gate) Abandon(f *bloom.Filter) {
	g.building.CompareAndSwap(f, nil)
}

// Building reports whether a filter is under construction.
func (g *Gate) Building() bool {
	return g.building.Load() != nil
}

// Insert adds a newly claimed name to the published filter and to the
// filter under construction.
func (g *Gate) Insert(name string) {
	// Building is read before current: Publish swaps current before it
	// clears building, so a filter published in between is seen by one of
	// the two loads.
	b := g.building.Load()
	if b != nil {
		b.Insert(name)
	}
	if f := g.current.Load(); f != nil && f != b {
		f.Insert(name)
	}
}
