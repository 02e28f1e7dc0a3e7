package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"handle.lopezb.com/internal/handle/loader"
)

// serve starts the HTTP server and the initial bulk load, and blocks until
// shutdown.
func (app *application) serve(ctx context.Context) error {
	//
	// DESIGN
	// ------
	//
	// Three goroutines share one errgroup:
	//
	// 1. INITIAL LOAD
	//    Builds the first filter from the store and publishes it on the gate.
	//    Until then every check falls through to the store, so the listener
	//    does not wait for it. Only a FilterConfigurationError is returned as
	//    an error, which cancels the group and brings the server down.
	//
	// 2. HTTP SERVER
	//    Serves on the already-open listener. http.ErrServerClosed is the
	//    normal shutdown path and is not an error.
	//
	// 3. SHUTDOWN
	//    Waits for SIGINT/SIGTERM, cancellation of ctx, or a failure in
	//    another member of the group. It cancels a running load, stops the
	//    listener, drains in-flight requests and waits for background
	//    rebuilds (tracked by the WaitGroup), all within shutdown_timeout.
	//
	ln, err := net.Listen("tcp", app.config.Server.Addr())
	if err != nil {
		return err
	}
	app.listener = ln
	serverAddr := ln.Addr().String()

	srv := &http.Server{
		Handler:      app.routes(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
		ErrorLog:     zap.NewStdLog(app.logger.Named("http")),
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateNew {
				app.metrics.HTTPConnections.Inc()
			}
		},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.ctx = ctx

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.initialLoad(gctx)
	})

	g.Go(func() error {
		app.logger.Info("server starting", zap.String("address", serverAddr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case s := <-quit:
			app.logger.Info("caught signal", zap.String("signal", s.String()), zap.String("address", serverAddr))
		case <-gctx.Done():
		}
		app.logger.Info("shutting down server", zap.String("address", serverAddr))

		// Stops a load still in progress; its partial result is handled by
		// the OnFailure policy like any other incomplete load.
		cancel()

		sctx, scancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer scancel()

		if err := srv.Shutdown(sctx); err != nil {
			return err
		}

		wgDone := make(chan struct{})
		go func() {
			app.wg.Wait()
			close(wgDone)
		}()

		select {
		case <-wgDone:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	if app.readyCh != nil {
		close(app.readyCh)
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		app.logger.Error("server stopped with error", zap.Error(err), zap.String("address", serverAddr))
		return err
	}

	app.logger.Info("server stopped gracefully", zap.String("address", serverAddr))
	return nil
}

// initialLoad runs the startup bulk load. Only a filter configuration error
// is returned.
func (app *application) initialLoad(ctx context.Context) error {
	if !app.isRebuilding.CompareAndSwap(false, true) {
		return nil
	}
	defer app.isRebuilding.Store(false)

	err := app.load(ctx)
	if errors.Is(err, loader.ErrFilterConfiguration) {
		app.logger.Error("filter failed verification, aborting", zap.Error(err))
		return err
	}
	if err != nil {
		app.logger.Warn("startup load incomplete",
			zap.Error(err),
			zap.Bool("filter_published", app.gate.Ready()),
			zap.String("on_failure", app.config.Loader.OnFailure),
		)
	}
	return nil
}

// load builds and publishes a fresh filter and records the outcome.
func (app *application) load(ctx context.Context) error {
	rep, err := app.loader.Initialize(ctx, app.gate, app.store)

	status := &loadStatus{Report: rep}
	if err != nil {
		status.Error = err.Error()
	}
	app.lastLoad.Store(status)
	return err
}

// startRebuild launches a background rebuild. It reports false when a load
// is already running.
func (app *application) startRebuild() bool {
	if !app.isRebuilding.CompareAndSwap(false, true) {
		return false
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		defer app.isRebuilding.Store(false)

		if err := app.load(app.ctx); err != nil {
			// Initialize already applied the failure policy. Unlike the
			// startup load this is not fatal, even for a misconfigured filter.
			app.logger.Error("rebuild failed", zap.Error(err), zap.Bool("filter_published", app.gate.Ready()))
			return
		}
		app.logger.Info("rebuild complete")
	}()
	return true
}
