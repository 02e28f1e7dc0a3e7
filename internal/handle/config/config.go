// Package config loads the service configuration.
//
// Precedence, highest first:
//  1. Environment variables with the HANDLE_ prefix
//  2. The YAML file given to Load
//  3. Default()
//
// Command line flags are applied on top by the binaries.
package config

import (
	"errors"
	"fmt"
	"time"

	"handle.lopezb.com/internal/handle/bloom"
	"handle.lopezb.com/internal/handle/loader"
	"handle.lopezb.com/internal/handle/store"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

// Config holds the complete service configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Store   StoreConfig   `koanf:"store"`
	Bloom   BloomConfig   `koanf:"bloom"`
	Loader  LoaderConfig  `koanf:"loader"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	LookupTimeout   time.Duration `koanf:"lookup_timeout"`
	RateLimit       float64       `koanf:"rate_limit"` // requests per second per client, 0 disables
	RateBurst       int           `koanf:"rate_burst"`
	BodyLimit       string        `koanf:"body_limit"`
}

// StoreConfig selects and configures the username store.
type StoreConfig struct {
	Backend         string `koanf:"backend"`
	SnapshotPath    string `koanf:"snapshot_path"` // memory backend only, empty disables
	MongoURI        string `koanf:"mongo_uri"`
	MongoDatabase   string `koanf:"mongo_database"`
	MongoCollection string `koanf:"mongo_collection"`
}

// BloomConfig sizes the membership filter.
type BloomConfig struct {
	ExpectedItems     uint64  `koanf:"expected_items"`
	FalsePositiveRate float64 `koanf:"false_positive_rate"`
}

// LoaderConfig controls bulk loads.
type LoaderConfig struct {
	PageSize      int           `koanf:"page_size"`
	ProgressEvery uint64        `koanf:"progress_every"`
	SpotCheck     int           `koanf:"spot_check"`
	Timeout       time.Duration `koanf:"timeout"`
	OnFailure     string        `koanf:"on_failure"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level   string `koanf:"level"`
	Format  string `koanf:"format"`
	Service string `koanf:"service"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	mongo := store.DefaultMongoOptions()
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3569,
			ShutdownTimeout: 10 * time.Second,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			LookupTimeout:   2 * time.Second,
			RateLimit:       100,
			RateBurst:       200,
			BodyLimit:       "64K",
		},
		Store: StoreConfig{
			Backend:         BackendMemory,
			MongoURI:        mongo.URI,
			MongoDatabase:   mongo.Database,
			MongoCollection: mongo.Collection,
		},
		Bloom: BloomConfig{
			ExpectedItems:     bloom.DefaultExpectedItems,
			FalsePositiveRate: bloom.DefaultFalsePositiveRate,
		},
		Loader: LoaderConfig{
			PageSize:      store.DefaultPageSize,
			ProgressEvery: 1000,
			SpotCheck:     3,
			Timeout:       30 * time.Second,
			OnFailure:     string(loader.OnFailurePartial),
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "json",
			Service: "handle",
		},
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MongoOptions returns the driver options for the mongo backend.
func (s StoreConfig) MongoOptions() store.MongoOptions {
	opts := store.DefaultMongoOptions()
	opts.URI = s.MongoURI
	opts.Database = s.MongoDatabase
	opts.Collection = s.MongoCollection
	return opts
}

// LoaderOptions returns the bulk loader options. The observer is left for
// the caller.
func (c Config) LoaderOptions() loader.Options {
	opts := loader.DefaultOptions()
	opts.PageSize = c.Loader.PageSize
	opts.ProgressEvery = c.Loader.ProgressEvery
	opts.SpotCheck = c.Loader.SpotCheck
	opts.Timeout = c.Loader.Timeout
	opts.ExpectedItems = c.Bloom.ExpectedItems
	opts.FalsePositiveRate = c.Bloom.FalsePositiveRate
	if policy, err := loader.ParseOnFailure(c.Loader.OnFailure); err == nil {
		opts.OnFailure = policy
	}
	return opts
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 0-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q (want %q or %q)",
			c.Store.Backend, BackendMemory, BackendMongo))
	}

	if _, _, err := bloom.OptimalParams(c.Bloom.ExpectedItems, c.Bloom.FalsePositiveRate); err != nil {
		errs = append(errs, fmt.Errorf("bloom: %w", err))
	}

	if c.Loader.PageSize <= 0 {
		errs = append(errs, errors.New("loader.page_size must be positive"))
	}
	if c.Loader.SpotCheck < 0 {
		errs = append(errs, errors.New("loader.spot_check must not be negative"))
	}
	if _, err := loader.ParseOnFailure(c.Loader.OnFailure); err != nil {
		errs = append(errs, fmt.Errorf("loader.on_failure: %w", err))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
