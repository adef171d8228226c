package config

import (
	"os"
	"testing"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != "/custom/data/grubq" {
		t.Fatalf("expected /custom/data/grubq, got %s", got)
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	originalHome := os.Getenv("HOME")
	os.Unsetenv("HOME")
	t.Cleanup(func() {
		if originalHome != "" {
			os.Setenv("HOME", originalHome)
		}
	})
	os.Unsetenv("XDG_DATA_HOME")

	if got := DefaultDataDir(); got == "" {
		t.Fatalf("expected non-empty fallback")
	}
}

func TestIsDir(t *testing.T) {
	if !isDir(".") {
		t.Fatalf("current dir should be a dir")
	}
	if isDir("/non/existent/path/that/does/not/exist") {
		t.Fatalf("missing path should not be a dir")
	}
}
