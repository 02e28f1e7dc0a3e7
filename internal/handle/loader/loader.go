// Package loader fills a membership filter from the username store.
//
// A load is one sequential sweep of the store, page by page, inserting every
// username it sees. It runs once at startup and again on every rebuild.
// Loads are bounded by a timeout; a load that stops early leaves its
// insertions in place and reports itself incomplete.
//
// After the sweep a handful of usernames picked by reservoir sampling are
// queried back. A filter that denies a name it was just given is broken
// (wrong sizing, wrong hashing) and the load fails with a
// FilterConfigurationError instead of publishing it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"handle.lopezb.com/internal/handle/availability"
	"handle.lopezb.com/internal/handle/bloom"
	"handle.lopezb.com/internal/handle/metrics"
	"handle.lopezb.com/internal/handle/store"
)

// Filter is the part of bloom.Filter the loader needs.
type Filter interface {
	Insert(key string) bool
	Query(key string) bool
}

// Report describes a finished load.
type Report struct {
	RunID     uuid.UUID     `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Inserted  uint64        `json:"inserted"`
	Pages     int           `json:"pages"`
	Sampled   int           `json:"sampled"`
	Complete  bool          `json:"complete"`
	Published bool          `json:"published"`
}

// Loader runs bulk loads. A Loader may be reused; each call gets its own
// RunID.
type Loader struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a loader. logger and m may be nil.
func New(opts Options, logger *zap.Logger, m *metrics.Metrics) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		opts:    opts.withDefaults(),
		logger:  logger.Named("loader"),
		metrics: m,
	}
}

// Options returns the effective options.
func (l *Loader) Options() Options { return l.opts }

// LoadAll inserts every username src yields into f.
//
// On success the report is Complete. If src fails or the timeout expires the
// error wraps ErrLoadIncomplete and the cause; f keeps what was inserted. A
// failed spot check returns a *FilterConfigurationError.
func (l *Loader) LoadAll(ctx context.Context, f Filter, src store.Source) (Report, error) {
	rep := Report{RunID: uuid.New(), StartedAt: time.Now()}
	if f == nil {
		return rep, &FilterConfigurationError{Err: errors.New("nil filter")}
	}

	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	log := l.logger.With(zap.String("run_id", rep.RunID.String()))
	log.Info("bulk load starting",
		zap.Int("page_size", l.opts.PageSize),
		zap.Duration("timeout", l.opts.Timeout),
	)

	sample := make([]string, 0, l.opts.SpotCheck)
	nextReport := l.opts.ProgressEvery

	err := src.FindAll(ctx, l.opts.PageSize, func(page []string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Pages++

		for _, name := range page {
			f.Insert(name)
			rep.Inserted++

			// Reservoir sampling keeps a uniform sample of SpotCheck names
			// without knowing the corpus size up front.
			if len(sample) < cap(sample) {
				sample = append(sample, name)
			} else if cap(sample) > 0 {
				if j := rand.Uint64N(rep.Inserted); j < uint64(cap(sample)) {
					sample[j] = name
				}
			}

			if rep.Inserted == nextReport {
				nextReport += l.opts.ProgressEvery
				l.progress(log, rep)
			}
		}
		return nil
	})
	rep.Duration = time.Since(rep.StartedAt)

	rep.Sampled = len(sample)
	for _, name := range sample {
		if !f.Query(name) {
			log.Error("spot check failed", zap.String("username", name))
			l.recordLoad("misconfigured", rep)
			return rep, &FilterConfigurationError{Username: name}
		}
	}

	if err != nil {
		log.Warn("bulk load incomplete",
			zap.Uint64("inserted", rep.Inserted),
			zap.Int("pages", rep.Pages),
			zap.Duration("elapsed", rep.Duration),
			zap.Error(err),
		)
		l.recordLoad("incomplete", rep)
		return rep, fmt.Errorf("%w after %d usernames: %w", ErrLoadIncomplete, rep.Inserted, err)
	}

	rep.Complete = true
	log.Info("bulk load complete",
		zap.Uint64("inserted", rep.Inserted),
		zap.Int("pages", rep.Pages),
		zap.Int("spot_checked", rep.Sampled),
		zap.Duration("elapsed", rep.Duration),
	)
	l.recordLoad("complete", rep)
	return rep, nil
}

func (l *Loader) progress(log *zap.Logger, rep Report) {
	p := Progress{
		Inserted: rep.Inserted,
		Pages:    rep.Pages,
		Elapsed:  time.Since(rep.StartedAt),
	}
	log.Debug("bulk load progress",
		zap.Uint64("inserted", p.Inserted),
		zap.Int("pages", p.Pages),
	)
	if l.opts.Observer != nil {
		l.opts.Observer(p)
	}
}

func (l *Loader) recordLoad(outcome string, rep Report) {
	if l.metrics != nil {
		l.metrics.RecordLoad(outcome, rep.Duration, rep.Inserted)
	}
}

// Initialize builds a fresh filter from src and publishes it on gate.
//
// The filter is sized for ExpectedItems, raised to the store's size plus a
// quarter when src can count itself. It is registered with gate.Begin before
// the sweep so concurrent registrations reach it.
//
// When the load is incomplete the OnFailure policy decides: partial
// publishes the filter if nothing is published yet, fallthrough never does.
// A filter that was already published is never replaced by an incomplete
// one. A FilterConfigurationError is never published.
func (l *Loader) Initialize(ctx context.Context, gate *availability.Gate, src store.Source) (Report, error) {
	n := l.expectedItems(ctx, src)

	f, err := bloom.New(n, l.opts.FalsePositiveRate)
	if err != nil {
		return Report{RunID: uuid.New(), StartedAt: time.Now()}, &FilterConfigurationError{Err: err}
	}
	l.logger.Info("filter sized",
		zap.Uint64("expected_items", n),
		zap.Float64("false_positive_rate", l.opts.FalsePositiveRate),
		zap.Uint64("bits", f.Bits()),
		zap.Uint32("hash_functions", f.K()),
	)

	gate.Begin(f)
	rep, err := l.LoadAll(ctx, f, src)

	switch {
	case err == nil:
		l.publish(gate, f, &rep)
		return rep, nil

	case errors.Is(err, ErrFilterConfiguration):
		gate.Abandon(f)
		return rep, err

	case l.opts.OnFailure == OnFailurePartial && !gate.Ready():
		l.logger.Warn("publishing partial filter",
			zap.String("run_id", rep.RunID.String()),
			zap.Uint64("inserted", rep.Inserted),
		)
		l.publish(gate, f, &rep)
		return rep, err

	default:
		gate.Abandon(f)
		l.logger.Warn("keeping previous filter state",
			zap.String("run_id", rep.RunID.String()),
			zap.Bool("ready", gate.Ready()),
		)
		return rep, err
	}
}

func (l *Loader) publish(gate *availability.Gate, f *bloom.Filter, rep *Report) {
	gate.Publish(f)
	rep.Published = true
	if l.metrics != nil {
		l.metrics.SetFilter(f.Count(), f.EstimatedFalsePositiveRate())
	}
}

func (l *Loader) expectedItems(ctx context.Context, src store.Source) uint64 {
	n := l.opts.ExpectedItems

	counter, ok := src.(store.Counter)
	if !ok {
		return n
	}

	c, err := counter.Count(ctx)
	if err != nil {
		l.logger.Warn("store count failed, using configured size",
			zap.Uint64("expected_items", n),
			zap.Error(err),
		)
		return n
	}

	if want := uint64(c) + uint64(c)/4; want > n {
		return want
	}
	return n
}
