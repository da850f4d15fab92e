package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "dns.google", cfg.ProbeHost)
	assert.Equal(t, 5*time.Second, cfg.ProbeWindow)
	assert.Equal(t, 30*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.SyncedHorizon)
	assert.Equal(t, 5*time.Minute, cfg.SizeMemoWindow)
	assert.Equal(t, 10*time.Minute, cfg.CacheOrphanGrace)
	assert.Equal(t, 5*time.Minute, cfg.SyncTimeout)
	assert.Equal(t, StorageProviderNone, cfg.Storage.Provider)
	require.NoError(t, cfg.Validate())
}

func TestLoad_fromEnvironment(t *testing.T) {
	t.Setenv("OFFLINE_DATA_DIR", "/tmp/offline")
	t.Setenv("OFFLINE_ALLOWED_HOSTS", "cdn.example.com,images.example.com")
	t.Setenv("OFFLINE_MAX_RETRIES", "5")
	t.Setenv("OFFLINE_PROBE_WINDOW", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/offline", cfg.DataDir)
	assert.Equal(t, []string{"cdn.example.com", "images.example.com"}, cfg.AllowedHosts)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.ProbeWindow)
	assert.Equal(t, filepath.Join("/tmp/offline", "store"), cfg.DBDir())
	assert.Equal(t, filepath.Join("/tmp/offline", "blobs"), cfg.CacheDir())
}

func TestLoad_dotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("OFFLINE_API_BASE_URL=https://api.example.com\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("OFFLINE_API_BASE_URL") })

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, true},
		{"bad provider", func(c *Config) { c.Storage.Provider = "ftp" }, true},
		{"bad api url", func(c *Config) { c.APIBaseURL = "not a url" }, true},
		{"s3 without keys", func(c *Config) { c.Storage.Provider = StorageProviderS3 }, true},
		{"s3 complete", func(c *Config) {
			c.Storage.Provider = StorageProviderS3
			c.Storage.S3Endpoint = "https://s3.amazonaws.com"
			c.Storage.S3AccessKey = "ak"
			c.Storage.S3SecretKey = "sk"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
