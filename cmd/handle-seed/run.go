package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"handle.lopezb.com/internal/handle/availability"
	"handle.lopezb.com/internal/handle/backend"
	"handle.lopezb.com/internal/handle/config"
	"handle.lopezb.com/internal/handle/loader"
	"handle.lopezb.com/internal/handle/logging"
	"handle.lopezb.com/internal/handle/seed"
	"handle.lopezb.com/internal/handle/store"
)

var errNoSnapshot = errors.New("the memory backend keeps nothing without --snapshot")

type populateOptions struct {
	Count     int
	BatchSize int
	Reset     bool
	Seed      uint64
}

type populateResult struct {
	Seed      uint64
	Generated int
	Inserted  int
	Total     int64
	Duration  time.Duration
}

func run(cmd *cobra.Command, f *flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, f, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Store.Backend == config.BackendMemory && cfg.Store.SnapshotPath == "" {
		return errNoSnapshot
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	st, closeStore, err := backend.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	_, err = populate(ctx, st, populateOptions{
		Count:     f.count,
		BatchSize: f.batchSize,
		Reset:     f.reset,
		Seed:      f.seed,
	}, out)
	if err != nil {
		return err
	}

	if !f.verify {
		return nil
	}
	_, err = verify(ctx, st, cfg.LoaderOptions(), logger, out)
	return err
}

// populate generates opts.Count unique usernames and inserts them in
// batches, reporting progress to out.
func populate(ctx context.Context, st store.Store, opts populateOptions, out io.Writer) (populateResult, error) {
	start := time.Now()
	res := populateResult{Seed: opts.Seed}
	if res.Seed == 0 {
		res.Seed = rand.Uint64()
	}

	if opts.Reset {
		fmt.Fprintln(out, "clearing existing usernames...")
		if err := st.DeleteAll(ctx); err != nil {
			return res, fmt.Errorf("clear store: %w", err)
		}
	}

	fmt.Fprintf(out, "generating %d usernames (seed %d)...\n", opts.Count, res.Seed)
	rng := rand.New(rand.NewPCG(res.Seed, res.Seed^0x9e3779b97f4a7c15))
	names, err := seed.GenerateUnique(rng, opts.Count)
	if errors.Is(err, seed.ErrExhausted) {
		fmt.Fprintf(out, "warning: %v, continuing with %d\n", err, len(names))
	} else if err != nil {
		return res, err
	}
	res.Generated = len(names)

	done := 0
	for _, batch := range seed.Batches(names, opts.BatchSize) {
		n, err := st.InsertMany(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("insert batch after %d usernames: %w", done, err)
		}
		res.Inserted += n
		done += len(batch)
		fmt.Fprintf(out, "  progress: %d/%d (%.1f%%)\n", done, len(names), percent(done, len(names)))
	}

	total, err := st.Count(ctx)
	if err != nil {
		return res, fmt.Errorf("count store: %w", err)
	}
	res.Total = total
	res.Duration = time.Since(start)

	fmt.Fprintf(out, "inserted %d new usernames in %s, store now holds %d\n",
		res.Inserted, res.Duration.Round(time.Millisecond), res.Total)
	return res, nil
}

// verify builds a filter from st the way the server does at startup and
// checks the probe names, which the generator can never produce.
func verify(ctx context.Context, st store.Store, opts loader.Options, logger *zap.Logger, out io.Writer) (loader.Report, error) {
	gate := availability.NewGate()
	l := loader.New(opts, logger, nil)

	rep, err := l.Initialize(ctx, gate, st)
	if err != nil {
		return rep, fmt.Errorf("build filter: %w", err)
	}

	stats := gate.Current().Stats()
	fmt.Fprintf(out, "filter loaded with %d usernames in %s (%d bits, %d hashes, estimated false positive rate %.4f%%)\n",
		rep.Inserted, rep.Duration.Round(time.Millisecond), stats.Bits, stats.HashFunctions,
		stats.EstimatedFalsePositiveRate*100)

	resolver := availability.NewResolver(gate, st, availability.WithLogger(logger))
	fmt.Fprintln(out, "probing names that were never inserted:")
	for _, name := range seed.ProbeNames {
		v, err := resolver.CheckAvailability(ctx, name)
		if err != nil {
			return rep, fmt.Errorf("probe %q: %w", name, err)
		}
		fmt.Fprintf(out, "  %-16s available=%t reason=%s\n", name, v.Available, v.Reason)
	}
	return rep, nil
}

func percent(n, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(n) / float64(total) * 100
}
