// main.go is the entry point for the handle server. It wires together the
// username store, the membership filter and the HTTP transport, and manages
// the operational lifecycle.
//
// Startup Sequence
// ================
//
// Configuration is resolved first (defaults, then the YAML file, then HANDLE_
// environment variables, then command line flags) and validated as a whole.
// A configuration the server cannot run with never gets as far as opening a
// socket.
//
// Then we open the store. The memory backend optionally restores a USR1
// snapshot; the mongo backend connects, pings and ensures the unique index.
// A store that cannot be opened is fatal.
//
// Only then does the server start listening. The initial bulk load runs
// concurrently with the listener: availability checks are answered from the
// first second, by the store alone until the filter is published.
//
// Failure Policy
// ==============
//
// A load that stops early (timeout, store fault) is not fatal. The OnFailure
// policy decides whether the partial filter is published. A filter that
// fails its spot check is fatal: it would turn taken names into "available"
// and there is no way to tell which.
//
// Graceful Shutdown
// =================
//
// On SIGINT/SIGTERM the listener stops accepting, in-flight requests and
// background rebuilds get shutdown_timeout to finish, and the memory backend
// writes its snapshot back to disk. The snapshot write is best-effort: if it
// fails, the previous snapshot is still intact.
package main

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"handle.lopezb.com/internal/handle/availability"
	"handle.lopezb.com/internal/handle/config"
	"handle.lopezb.com/internal/handle/loader"
	"handle.lopezb.com/internal/handle/metrics"
	"handle.lopezb.com/internal/handle/store"
)

var version = "dev"

type application struct {
	config       config.Config
	logger       *zap.Logger
	store        store.Store
	gate         *availability.Gate
	resolver     *availability.Resolver
	loader       *loader.Loader
	metrics      *metrics.Metrics
	registry     *prometheus.Registry
	listener     net.Listener
	readyCh      chan struct{}
	ctx          context.Context
	wg           sync.WaitGroup
	isRebuilding atomic.Bool
	lastLoad     atomic.Pointer[loadStatus]
}

// loadStatus is the outcome of the most recent bulk load.
type loadStatus struct {
	Report loader.Report `json:"report"`
	Error  string        `json:"error,omitempty"`
}

func newApplication(cfg config.Config, logger *zap.Logger, st store.Store, reg *prometheus.Registry) *application {
	m := metrics.New(reg)
	gate := availability.NewGate()

	app := &application{
		config:   cfg,
		logger:   logger,
		store:    st,
		gate:     gate,
		metrics:  m,
		registry: reg,
		ctx:      context.Background(),
	}

	app.resolver = availability.NewResolver(gate, st,
		availability.WithLogger(logger),
		availability.WithMetrics(m),
		availability.WithLookupTimeout(cfg.Server.LookupTimeout),
	)
	app.loader = loader.New(app.loaderOptions(), logger, m)
	return app
}

func (app *application) loaderOptions() loader.Options {
	opts := app.config.LoaderOptions()
	opts.Observer = func(p loader.Progress) {
		app.logger.Info("loading progress",
			zap.Uint64("inserted", p.Inserted),
			zap.Int("pages", p.Pages),
			zap.Duration("elapsed", p.Elapsed),
		)
	}
	return opts
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// flags holds the command line overrides. Only flags the user actually set
// are applied on top of the loaded configuration.
type flags struct {
	configPath   string
	host         string
	port         int
	backend      string
	snapshotPath string
	mongoURI     string
	onFailure    string
	logLevel     string
	logFormat    string
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "handle-server",
		Short: "Username availability service",
		Long: `handle-server answers "is this username available?" from an in-memory
Bloom filter in front of the username store. Negative answers never touch
the store; positive answers are confirmed against it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, &f)
		},
	}

	bindFlags(cmd.Flags(), &f)
	return cmd
}

func bindFlags(fs *pflag.FlagSet, f *flags) {
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.host, "host", "", "Listen host")
	fs.IntVarP(&f.port, "port", "p", 0, "HTTP server port")
	fs.StringVar(&f.backend, "store", "", "Store backend (memory or mongo)")
	fs.StringVar(&f.snapshotPath, "snapshot", "", "USR1 snapshot file for the memory backend")
	fs.StringVar(&f.mongoURI, "mongo-uri", "", "MongoDB connection string")
	fs.StringVar(&f.onFailure, "on-failure", "", "Policy for incomplete loads (partial or fallthrough)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format (json or console)")
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(cmd *cobra.Command, f *flags, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("host") {
		cfg.Server.Host = f.host
	}
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("store") {
		cfg.Store.Backend = f.backend
	}
	if changed("snapshot") {
		cfg.Store.SnapshotPath = f.snapshotPath
	}
	if changed("mongo-uri") {
		cfg.Store.MongoURI = f.mongoURI
	}
	if changed("on-failure") {
		cfg.Loader.OnFailure = f.onFailure
	}
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = f.logFormat
	}
}
