// Package config loads service configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends, picked from which connection settings are present.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StorePebble   = "pebble"
)

// Config is the full service configuration.
type Config struct {
	Port         string `env:"PORT" envDefault:"8080"`
	ContractName string `env:"CONTRACT_NAME" envDefault:"prediction-market"`

	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	PebbleDir   string        `env:"PEBBLE_DIR"`

	// Admin is installed on an empty ledger and after every reset.
	Admin string `env:"LEDGER_ADMIN"`
	// AdminToken guards /api/admin; admin routes are disabled when empty.
	AdminToken    string `env:"ADMIN_TOKEN"`
	EnforceNonces bool   `env:"ENFORCE_NONCES" envDefault:"false"`
	SnapshotEvery uint64 `env:"SNAPSHOT_EVERY" envDefault:"100"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	Archive ArchiveConfig `envPrefix:"ARCHIVE_"`
}

// ArchiveConfig configures the S3-compatible snapshot archive. The archive
// is disabled when Bucket is empty.
type ArchiveConfig struct {
	Bucket         string `env:"BUCKET"`
	Prefix         string `env:"PREFIX" envDefault:"snapshots"`
	Region         string `env:"REGION" envDefault:"us-east-1"`
	Endpoint       string `env:"ENDPOINT"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	UseSSL         bool   `env:"USE_SSL" envDefault:"true"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE" envDefault:"false"`
}

// Enabled reports whether snapshots should be archived.
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// Load reads .env (if any) and parses the environment into a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment into a validated Config.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects contradictory settings.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL != "" && c.PebbleDir != "" {
		errs = append(errs, errors.New("config: DATABASE_URL and PEBBLE_DIR are mutually exclusive"))
	}
	if c.RedisURL != "" && c.Store() == StoreMemory {
		errs = append(errs, errors.New("config: REDIS_URL needs a persistent store"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("config: CACHE_TTL must be positive"))
	}
	if c.Archive.Enabled() && c.Archive.Region == "" {
		errs = append(errs, errors.New("config: ARCHIVE_REGION is required with ARCHIVE_BUCKET"))
	}
	return errors.Join(errs...)
}

// Store returns the backend implied by the connection settings.
func (c *Config) Store() string {
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.PebbleDir != "":
		return StorePebble
	default:
		return StoreMemory
	}
}
