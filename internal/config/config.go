// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Storage providers for resolving storage:// blob references.
const (
	StorageProviderNone = "none"
	StorageProviderGCS  = "gcs"
	StorageProviderS3   = "s3"
)

// Config holds every tunable of the offline engine.
type Config struct {
	DataDir    string `env:"OFFLINE_DATA_DIR" envDefault:"./data" validate:"required"`
	APIBaseURL string `env:"OFFLINE_API_BASE_URL" validate:"omitempty,url"`

	LogMode  string `env:"LOG_MODE" envDefault:"prod"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Reachability
	ProbeHost    string        `env:"OFFLINE_PROBE_HOST" envDefault:"dns.google" validate:"required,hostname"`
	ProbeTimeout time.Duration `env:"OFFLINE_PROBE_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	ProbeWindow  time.Duration `env:"OFFLINE_PROBE_WINDOW" envDefault:"5s" validate:"gte=0"`

	// Content cache
	AllowedHosts     []string      `env:"OFFLINE_ALLOWED_HOSTS" envSeparator:","`
	DownloadTimeout  time.Duration `env:"OFFLINE_DOWNLOAD_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	ResolveTimeout   time.Duration `env:"OFFLINE_RESOLVE_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	CacheStalePeriod time.Duration `env:"OFFLINE_CACHE_STALE_PERIOD" envDefault:"720h" validate:"gt=0"`
	CacheMaxObjects  int           `env:"OFFLINE_CACHE_MAX_OBJECTS" envDefault:"200" validate:"gt=0"`
	SizeMemoWindow   time.Duration `env:"OFFLINE_CACHE_SIZE_MEMO" envDefault:"5m" validate:"gte=0"`
	CacheOrphanGrace time.Duration `env:"OFFLINE_CACHE_ORPHAN_GRACE" envDefault:"10m" validate:"gt=0"`

	// Sync and action queue
	SolutionTTL     time.Duration `env:"OFFLINE_SOLUTION_TTL" envDefault:"720h" validate:"gt=0"`
	SyncTimeout     time.Duration `env:"OFFLINE_SYNC_TIMEOUT" envDefault:"5m" validate:"gt=0"`
	ActionTimeout   time.Duration `env:"OFFLINE_ACTION_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	MaxRetries      int           `env:"OFFLINE_MAX_RETRIES" envDefault:"3" validate:"gt=0"`
	SyncedHorizon   time.Duration `env:"OFFLINE_SYNCED_HORIZON" envDefault:"24h" validate:"gt=0"`
	SyncInterval    time.Duration `env:"OFFLINE_SYNC_INTERVAL" envDefault:"15m" validate:"gt=0"`
	DrainInterval   time.Duration `env:"OFFLINE_DRAIN_INTERVAL" envDefault:"1m" validate:"gt=0"`
	CleanupInterval time.Duration `env:"OFFLINE_CLEANUP_INTERVAL" envDefault:"1h" validate:"gt=0"`

	Storage StorageConfig
}

// StorageConfig selects and configures the storage:// reference resolver.
type StorageConfig struct {
	Provider  string        `env:"OFFLINE_STORAGE_PROVIDER" envDefault:"none" validate:"oneof=none gcs s3"`
	SignedTTL time.Duration `env:"OFFLINE_STORAGE_SIGNED_TTL" envDefault:"15m" validate:"gt=0"`

	// GCS
	GCSCredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	GCSEmulatorHost    string `env:"STORAGE_EMULATOR_HOST"`

	// S3-compatible (AWS, MinIO, R2)
	S3Endpoint       string `env:"OFFLINE_S3_ENDPOINT"`
	S3Region         string `env:"OFFLINE_S3_REGION" envDefault:"us-east-1"`
	S3AccessKey      string `env:"OFFLINE_S3_ACCESS_KEY"`
	S3SecretKey      string `env:"OFFLINE_S3_SECRET_KEY"`
	S3ForcePathStyle bool   `env:"OFFLINE_S3_FORCE_PATH_STYLE"`
}

// Load reads optional .env files, parses the environment and validates the result.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if strings.TrimSpace(f) == "" {
			continue
		}
		// Missing .env files are fine; real environment still applies.
		_ = godotenv.Load(f)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated only from envDefault tags.
func Default() *Config {
	cfg := &Config{}
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Provider == StorageProviderS3 {
		if c.Storage.S3Endpoint == "" || c.Storage.S3AccessKey == "" || c.Storage.S3SecretKey == "" {
			return fmt.Errorf("invalid config: s3 storage provider requires endpoint, access key and secret key")
		}
	}
	return nil
}

// DBDir is the directory holding the SQLite store.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, "store")
}

// CacheDir is the directory holding cached blobs and their index.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "blobs")
}
