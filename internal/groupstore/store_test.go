package groupstore

import (
	"context"
	"errors"
	"testing"

	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return Open(db)
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := &Group{ID: "crawl-1", OwnerID: "owner-1", CreatedAt: 1000, TTLMs: 60000}
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Get("crawl-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	if got.ExpiresAt != 61000 {
		t.Fatalf("expiresAt = %d, want createdAt+ttl", got.ExpiresAt)
	}
	if err := s.Create(ctx, &Group{ID: "crawl-1", OwnerID: "other", CreatedAt: 2000}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNoTTLMeansNoExpiry(t *testing.T) {
	s := openTestStore(t)
	if err := s.Create(context.Background(), &Group{ID: "forever", OwnerID: "o", CreatedAt: 1000}); err != nil {
		t.Fatalf("create: %v", err)
	}
	expired, err := s.FindExpired(1<<50, 10)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("group without ttl reported expired: %v", expired)
	}
}

func TestSetCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Group{ID: "g", OwnerID: "o", CreatedAt: 1000, TTLMs: 60000}); err != nil {
		t.Fatalf("create: %v", err)
	}
	flipped, err := s.SetCompleted(ctx, "g", 5000)
	if err != nil || !flipped {
		t.Fatalf("set completed: flipped=%v err=%v", flipped, err)
	}
	got, err := s.Get("g")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.FinishedAt != 5000 {
		t.Fatalf("after completion: %+v", got)
	}

	// already terminal is a no-op, not an error
	flipped, err = s.SetCompleted(ctx, "g", 6000)
	if err != nil || flipped {
		t.Fatalf("second completion: flipped=%v err=%v", flipped, err)
	}

	// expiry index entry is cleaned at the terminal transition
	expired, err := s.FindExpired(1<<50, 10)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("terminal group still indexed for expiry: %v", expired)
	}
}

func TestAppendSetStatusCancellation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Group{ID: "g", OwnerID: "o", CreatedAt: 1000}); err != nil {
		t.Fatalf("create: %v", err)
	}

	s.Lock()
	b := s.db.NewBatch()
	g, err := s.AppendSetStatus(b, "g", StatusCancelled, 4000)
	if err != nil {
		t.Fatalf("append set status: %v", err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	s.Unlock()

	if g.Status != StatusCancelled {
		t.Fatalf("returned status = %q", g.Status)
	}
	got, err := s.Get("g")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled || got.FinishedAt != 4000 {
		t.Fatalf("after cancel: %+v", got)
	}

	s.Lock()
	b2 := s.db.NewBatch()
	_, err = s.AppendSetStatus(b2, "g", StatusCompleted, 5000)
	b2.Close()
	s.Unlock()
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal on second flip, got %v", err)
	}
}

func TestNoteBacklogExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Group{ID: "g", OwnerID: "o", CreatedAt: 1000}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.NoteBacklogExpired(ctx, "g", 2); err != nil {
		t.Fatalf("note: %v", err)
	}
	if err := s.NoteBacklogExpired(ctx, "g", 3); err != nil {
		t.Fatalf("note: %v", err)
	}
	got, err := s.Get("g")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BacklogExpired != 5 {
		t.Fatalf("backlogExpired = %d, want 5", got.BacklogExpired)
	}
}

func TestFindExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	soon := &Group{ID: "soon", OwnerID: "o", CreatedAt: 1000, TTLMs: 1000}
	late := &Group{ID: "late", OwnerID: "o", CreatedAt: 1000, TTLMs: 600000}
	for _, g := range []*Group{soon, late} {
		if err := s.Create(ctx, g); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	expired, err := s.FindExpired(5000, 10)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(expired) != 1 || expired[0] != "soon" {
		t.Fatalf("expired = %v, want [soon]", expired)
	}
}
