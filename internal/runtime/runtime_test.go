package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	cfgpkg "github.com/grubworks/grubq/internal/config"
	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
)

func TestOpenCloseHealth(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestSweepersAdmitBacklog(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.Queue.DirectAdmitThreshold = 0
	cfg.Queue.AdmissionIntervalMs = 10
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever, Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()

	ctx := context.Background()
	jobID, err := rt.Queue().Submit(ctx, json.RawMessage(`{"url":"https://example.test/"}`), 1, "o", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rt.StartSweepers()
	rt.StartSweepers() // idempotent
	defer rt.StopSweepers()

	deadline := time.Now().Add(5 * time.Second)
	for {
		j, token, ok, err := rt.Queue().Acquire(ctx, "w-1")
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if ok {
			if j.ID != jobID {
				t.Fatalf("acquired %s, want %s", j.ID, jobID)
			}
			if err := rt.Queue().ReportComplete(ctx, j.ID, token, nil); err != nil {
				t.Fatalf("complete: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("admission sweep never promoted the entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopSweepersTwice(t *testing.T) {
	rt, err := Open(Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	rt.StartSweepers()
	rt.StopSweepers()
	rt.StopSweepers()
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
