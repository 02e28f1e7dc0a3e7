// handle-seed fills a username store with synthetic usernames for
// development and load testing, then builds a filter from it the way the
// server does at startup and probes it with names that were never inserted.
//
// Usage Examples
// ==============
//
// Seed the default memory snapshot with 10,000 names:
//
//	handle-seed --snapshot usernames.usr1
//
// Add 250,000 names to a MongoDB collection without clearing it first:
//
//	handle-seed --store mongo --mongo-uri mongodb://localhost:27017 --count 250000 --reset=false
//
// A fixed --seed makes the generated names reproducible.
//
// Exit Codes
// ==========
//
// 0: The store was seeded and the filter verified.
// 1: The store could not be opened or written, or the filter failed its
// spot check.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"handle.lopezb.com/internal/handle/config"
)

var version = "dev"

type flags struct {
	configPath   string
	backend      string
	snapshotPath string
	mongoURI     string
	count        int
	batchSize    int
	reset        bool
	seed         uint64
	verify       bool
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "handle-seed",
		Short:        "Populate a username store with synthetic data",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, &f)
		},
	}
	bindFlags(cmd.Flags(), &f)
	return cmd
}

func bindFlags(fs *pflag.FlagSet, f *flags) {
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.backend, "store", "", "Store backend (memory or mongo)")
	fs.StringVar(&f.snapshotPath, "snapshot", "", "USR1 snapshot file for the memory backend")
	fs.StringVar(&f.mongoURI, "mongo-uri", "", "MongoDB connection string")
	fs.IntVarP(&f.count, "count", "n", 10000, "Number of usernames to generate")
	fs.IntVar(&f.batchSize, "batch", 1000, "Usernames per insert batch")
	fs.BoolVar(&f.reset, "reset", true, "Delete every existing username first")
	fs.Uint64Var(&f.seed, "seed", 0, "Random seed (0 picks one)")
	fs.BoolVar(&f.verify, "verify", true, "Build a filter from the store and probe it afterwards")
	fs.StringVar(&f.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

// applyFlags copies the store flags the user set onto cfg. The log level
// always comes from the flag so the tool stays quiet by default.
func applyFlags(cmd *cobra.Command, f *flags, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("store") {
		cfg.Store.Backend = f.backend
	}
	if changed("snapshot") {
		cfg.Store.SnapshotPath = f.snapshotPath
	}
	if changed("mongo-uri") {
		cfg.Store.MongoURI = f.mongoURI
	}
	cfg.Logging.Level = f.logLevel
	cfg.Logging.Format = "console"
}
