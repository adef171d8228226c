package serverrun

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/grubworks/grubq/internal/config"
	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
)

func TestGetenvDefault(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		def      string
		envValue string
		expected string
	}{
		{name: "environment variable set", key: "TEST_VAR", def: "default", envValue: "env_value", expected: "env_value"},
		{name: "environment variable not set", key: "TEST_VAR_NOT_SET", def: "default", envValue: "", expected: "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				_ = os.Setenv(tt.key, tt.envValue)
			} else {
				_ = os.Unsetenv(tt.key)
			}
			t.Cleanup(func() { _ = os.Unsetenv(tt.key) })

			if got := getenvDefault(tt.key, tt.def); got != tt.expected {
				t.Errorf("getenvDefault(%s, %s) = %s, expected %s", tt.key, tt.def, got, tt.expected)
			}
		})
	}
}

func TestDataDirFallback(t *testing.T) {
	opts := Options{DataDir: ""}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.DataDir == "" {
		t.Fatal("DataDir should not be empty after fallback")
	}
	if !filepath.IsAbs(opts.DataDir) && !strings.HasPrefix(opts.DataDir, "./") {
		t.Errorf("DataDir should be absolute or start with ./, got %s", opts.DataDir)
	}

	opts = Options{DataDir: "/custom/data"}
	if opts.DataDir != "/custom/data" {
		t.Errorf("provided DataDir not preserved: %s", opts.DataDir)
	}
}

// TestRunIntegration verifies Run starts and shuts down cleanly. Minimal by
// design since it binds real sockets.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	opts := Options{
		DataDir:       t.TempDir(),
		HTTPAddr:      "127.0.0.1:0",
		Fsync:         pebblestore.FsyncModeNever,
		FsyncInterval: 1 * time.Millisecond,
		Config:        cfgpkg.Default(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := Run(ctx, opts); err != nil && err != context.DeadlineExceeded && err != context.Canceled {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}
