package admission

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/grubworks/grubq/internal/backlog"
	"github.com/grubworks/grubq/internal/jobstore"
	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
	"github.com/grubworks/grubq/pkg/id"
	"github.com/grubworks/grubq/pkg/log"
)

func openTestController(t *testing.T) (*Controller, *backlog.Store, *jobstore.Store) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	bl := backlog.Open(db)
	jobs, err := jobstore.Open(db)
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	logger := log.NewLogger(log.WithLevel(log.ErrorLevel))
	return New(db, bl, jobs, logger), bl, jobs
}

var testGen = id.NewGenerator()

func testEntry(priority int32, createdAtMs int64) *backlog.Entry {
	return &backlog.Entry{
		ID:        testGen.Next(),
		Priority:  priority,
		CreatedAt: createdAtMs,
		ExpiresAt: createdAtMs + 600000,
		Payload:   json.RawMessage(`{"url":"https://example.test/"}`),
		OwnerID:   "owner-1",
		GroupID:   "crawl-1",
	}
}

func TestPromoteMovesEntries(t *testing.T) {
	ctrl, bl, jobs := openTestController(t)
	ctx := context.Background()

	a := testEntry(2, 1000)
	b := testEntry(1, 2000)
	for _, e := range []*backlog.Entry{a, b} {
		if err := bl.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := ctrl.Promote(ctx, 16, 3000)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 2 {
		t.Fatalf("promoted %d, want 2", n)
	}

	for _, e := range []*backlog.Entry{a, b} {
		if _, ok, _ := bl.Get(e.ID); ok {
			t.Fatalf("backlog entry %s survived promotion", e.ID)
		}
		j, err := jobs.Get(e.ID)
		if err != nil {
			t.Fatalf("job %s missing after promotion: %v", e.ID, err)
		}
		if j.Status != jobstore.StatusQueued {
			t.Fatalf("promoted job status = %q", j.Status)
		}
		if j.Priority != e.Priority || j.CreatedAt != e.CreatedAt || j.GroupID != e.GroupID {
			t.Fatalf("promotion lost fields: %+v", j)
		}
	}
	if jobs.QueuedDepth() != 2 {
		t.Fatalf("queued depth = %d, want 2", jobs.QueuedDepth())
	}
}

func TestPromoteBatchLimit(t *testing.T) {
	ctrl, bl, _ := openTestController(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := bl.Insert(ctx, testEntry(1, int64(1000+i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	n, err := ctrl.Promote(ctx, 3, 2000)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 3 {
		t.Fatalf("promoted %d, want 3", n)
	}
	n, err = ctrl.Promote(ctx, 3, 2000)
	if err != nil {
		t.Fatalf("second promote: %v", err)
	}
	if n != 2 {
		t.Fatalf("second pass promoted %d, want 2", n)
	}
}

func TestPromoteIdempotentOnCrashRetry(t *testing.T) {
	ctrl, bl, jobs := openTestController(t)
	ctx := context.Background()

	e := testEntry(1, 1000)
	if err := bl.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// a job with the entry's id already exists, as after a crash between
	// commit and sweep bookkeeping
	if err := jobs.Insert(ctx, &jobstore.Job{
		ID:        e.ID,
		Status:    jobstore.StatusQueued,
		Priority:  e.Priority,
		CreatedAt: e.CreatedAt,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	n, err := ctrl.Promote(ctx, 16, 2000)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted %d, want 0", n)
	}
	if _, ok, _ := bl.Get(e.ID); ok {
		t.Fatal("stale backlog entry not cleaned up")
	}
}

func TestPromoteSkipsExpired(t *testing.T) {
	ctrl, bl, jobs := openTestController(t)
	ctx := context.Background()

	e := testEntry(1, 1000)
	e.ExpiresAt = 2000
	if err := bl.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := ctrl.Promote(ctx, 16, 5000)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted expired entry")
	}
	if _, err := jobs.Get(e.ID); err == nil {
		t.Fatal("expired entry became a job")
	}
}
