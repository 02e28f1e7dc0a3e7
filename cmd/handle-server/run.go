package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"handle.lopezb.com/internal/handle/backend"
	"handle.lopezb.com/internal/handle/config"
	"handle.lopezb.com/internal/handle/logging"
)

func run(cmd *cobra.Command, f *flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, f, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx := cmd.Context()

	st, closeStore, err := backend.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app := newApplication(*cfg, logger, st, reg)

	if err := app.serve(ctx); err != nil {
		logger.Error("server exited", zap.Error(err))
		return err
	}
	return nil
}
