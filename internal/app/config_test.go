package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Positive(t, cfg.Workers)
}

func TestNewConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers", func(c *Config) { c.Workers = 0 }, "workers must be at least 1"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "invalid log format"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "invalid log level"},
		{"cache location", func(c *Config) { c.Cache.Dir = "" }, "cache needs a directory or a URL"},
		{"cache bound", func(c *Config) { c.Cache.MaxBytes = -1 }, "cache max bytes must not be negative"},
		{"retry", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry max attempts"},
		{"timeout", func(c *Config) { c.StepTimeout = -time.Second }, "step timeout"},
		{"port", func(c *Config) { c.HealthcheckPort = 70000 }, "invalid healthcheck port"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			_, err := NewConfig(cfg)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestNewConfig_NormalizesCase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFormat, cfg.LogLevel = "JSON", "Debug"
	got, err := NewConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "json", got.LogFormat)
	assert.Equal(t, "debug", got.LogLevel)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenegrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 4
log_level: debug
cache:
  dir: /var/cache/scenegrid
  max_bytes: 1048576
retry:
  max_attempts: 5
  base_delay: 250ms
step_timeout: 2m
events:
  url: http://localhost:3000
  namespace: /runs
service_url: http://processing.local
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "/var/cache/scenegrid", cfg.Cache.Dir)
	assert.Equal(t, int64(1048576), cfg.Cache.MaxBytes)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier, "unset fields keep their defaults")
	assert.Equal(t, 2*time.Minute, cfg.StepTimeout)
	assert.Equal(t, "/runs", cfg.Events.Namespace)
	assert.Equal(t, "http://processing.local", cfg.ServiceURL)

	_, err = NewConfig(cfg)
	assert.NoError(t, err)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to open config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wokers: 4\n"), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "failed to decode config file")

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	cfg, err := LoadConfig(empty)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
