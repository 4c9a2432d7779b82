package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/scenegrid/internal/registry"
	"github.com/specialistvlad/scenegrid/internal/testutil"
)

// TestConfig returns a debug-level configuration whose cache lives in a
// temporary directory, with retries that do not wait.
func TestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.LogLevel = "debug"
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "cache")
	cfg.Retry.BaseDelay = 0
	cfg.Retry.MaxDelay = 0
	cfg.Retry.Jitter = 0
	return &cfg
}

// SetupAppTest creates a new app instance for system testing. The app is
// closed when the test ends.
func SetupAppTest(t *testing.T, cfg *Config, modules ...registry.Module) (*App, *testutil.SafeBuffer) {
	t.Helper()
	_, logBuffer := testutil.Context(t)
	a, err := NewApp(context.Background(), logBuffer, cfg, modules...)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, logBuffer
}
