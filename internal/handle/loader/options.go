package loader

import (
	"fmt"
	"time"

	"handle.lopezb.com/internal/handle/bloom"
	"handle.lopezb.com/internal/handle/store"
)

// OnFailure decides what Initialize does with a filter whose load did not
// complete.
type OnFailure string

const (
	// OnFailurePartial publishes the partial filter when nothing is
	// published yet. Names the sweep never reached answer NOT_IN_FILTER
	// until the next rebuild.
	OnFailurePartial OnFailure = "partial"

	// OnFailureFallthrough keeps whatever was published before. With no
	// filter published every check goes to the store.
	OnFailureFallthrough OnFailure = "fallthrough"
)

// ParseOnFailure validates a policy name.
func ParseOnFailure(s string) (OnFailure, error) {
	switch p := OnFailure(s); p {
	case OnFailurePartial, OnFailureFallthrough:
		return p, nil
	default:
		return "", fmt.Errorf("loader: unknown failure policy %q (want %q or %q)",
			s, OnFailurePartial, OnFailureFallthrough)
	}
}

// Progress is reported to the Observer while a load runs.
type Progress struct {
	Inserted uint64
	Pages    int
	Elapsed  time.Duration
}

// Observer receives progress notifications. It runs on the loading
// goroutine and must not block.
type Observer func(Progress)

// Options configures a Loader.
type Options struct {
	PageSize          int
	ProgressEvery     uint64
	SpotCheck         int
	Timeout           time.Duration
	OnFailure         OnFailure
	ExpectedItems     uint64
	FalsePositiveRate float64
	Observer          Observer
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:          store.DefaultPageSize,
		ProgressEvery:     1000,
		SpotCheck:         3,
		Timeout:           30 * time.Second,
		OnFailure:         OnFailurePartial,
		ExpectedItems:     bloom.DefaultExpectedItems,
		FalsePositiveRate: bloom.DefaultFalsePositiveRate,
	}
}

// withDefaults fills zero fields from DefaultOptions. A zero Timeout stays
// zero (no bound).
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.ProgressEvery == 0 {
		o.ProgressEvery = d.ProgressEvery
	}
	if o.SpotCheck < 0 {
		o.SpotCheck = 0
	}
	if o.OnFailure == "" {
		o.OnFailure = d.OnFailure
	}
	if o.ExpectedItems == 0 {
		o.ExpectedItems = d.ExpectedItems
	}
	if o.FalsePositiveRate == 0 {
		o.FalsePositiveRate = d.FalsePositiveRate
	}
	return o
}
