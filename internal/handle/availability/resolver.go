// Package availability answers "can this username be registered?" by
// combining the membership filter with the authoritative store.
//
// The filter is consulted first. A negative is definitive and returns
// without I/O. A positive may be a false positive, so the store decides.
// The resolver never reports a name as taken unless the store confirmed it.
package availability

import (
	"context"
	"time"

	"go.uber.org/zap"

	"handle.lopezb.com/internal/handle/metrics"
	"handle.lopezb.com/internal/handle/store"
	"handle.lopezb.com/internal/handle/username"
)

// DefaultLookupTimeout bounds a single store lookup.
const DefaultLookupTimeout = 2 * time.Second

// Resolver performs availability checks. It is safe for concurrent use.
type Resolver struct {
	gate          *Gate
	finder        store.Finder
	logger        *zap.Logger
	metrics       *metrics.Metrics
	lookupTimeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l.Named("availability") }
}

// WithMetrics records verdicts and store lookups on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLookupTimeout bounds each store lookup. Zero or negative disables the
// per-lookup bound; the caller's context still applies.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.lookupTimeout = d }
}

// NewResolver creates a resolver that consults gate's published filter and
// falls through to finder.
func NewResolver(gate *Gate, finder store.Finder, opts ...Option) *Resolver {
	r := &Resolver{
		gate:          gate,
		finder:        finder,
		logger:        zap.NewNop(),
		lookupTimeout: DefaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckAvailability normalizes raw and decides whether it can be claimed.
//
// Errors: a *username.ValidationError for unusable input (the store is not
// touched), or a *StoreUnavailableError when the store had to be asked and
// failed. A Verdict is only meaningful when the error is nil.
func (r *Resolver) CheckAvailability(ctx context.Context, raw string) (Verdict, error) {
	name, err := username.Normalize(raw)
	if err != nil {
		r.recordError(metrics.KindInvalid)
		return Verdict{}, err
	}

	filter := r.gate.Current()
	if filter != nil && !filter.Query(name) {
		return r.verdict(Verdict{Available: true, Reason: ReasonNotInFilter}), nil
	}

	found, err := r.lookup(ctx, name)
	if err != nil {
		r.recordError(metrics.KindUnavailable)
		r.logger.Warn("store lookup failed",
			zap.String("username", name),
			zap.Error(err),
		)
		return Verdict{}, &StoreUnavailableError{Username: name, Err: err}
	}

	switch {
	case found:
		return r.verdict(Verdict{Available: false, Reason: ReasonConfirmedTaken}), nil
	case filter == nil:
		return r.verdict(Verdict{Available: true, Reason: ReasonNotInStore}), nil
	default:
		r.logger.Debug("filter false positive", zap.String("username", name))
		return r.verdict(Verdict{Available: true, Reason: ReasonFalsePositiveButAbsent}), nil
	}
}

func (r *Resolver) lookup(ctx context.Context, name string) (bool, error) {
	if r.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.lookupTimeout)
		defer cancel()
	}

	start := time.Now()
	_, found, err := r.finder.FindOne(ctx, name)
	if r.metrics != nil {
		r.metrics.RecordStoreLookup(time.Since(start))
	}
	return found, err
}

func (r *Resolver) verdict(v Verdict) Verdict {
	if r.metrics != nil {
		r.metrics.RecordVerdict(v.Reason.String())
	}
	return v
}

func (r *Resolver) recordError(kind string) {
	if r.metrics != nil {
		r.metrics.RecordQueryError(kind)
	}
}
