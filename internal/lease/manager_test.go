package lease

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/grubworks/grubq/internal/jobstore"
	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
	"github.com/grubworks/grubq/pkg/id"
	"github.com/grubworks/grubq/pkg/log"
)

func openTestManager(t *testing.T, maxStalls int) (*Manager, *jobstore.Store) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	jobs, err := jobstore.Open(db)
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	logger := log.NewLogger(log.WithLevel(log.ErrorLevel))
	return New(jobs, maxStalls, logger), jobs
}

var testGen = id.NewGenerator()

func seedJob(t *testing.T, jobs *jobstore.Store, priority int32, createdAtMs int64) id.ID {
	t.Helper()
	j := &jobstore.Job{
		ID:        testGen.Next(),
		Status:    jobstore.StatusQueued,
		Priority:  priority,
		CreatedAt: createdAtMs,
		Payload:   json.RawMessage(`{"url":"https://example.test/"}`),
		OwnerID:   "owner-1",
	}
	if err := jobs.Insert(context.Background(), j); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return j.ID
}

func TestAcquireReturnsHighestRanked(t *testing.T) {
	m, jobs := openTestManager(t, 3)
	ctx := context.Background()

	low := seedJob(t, jobs, 9, 1000)
	urgent := seedJob(t, jobs, 1, 2000)

	j, token, ok, err := m.Acquire(ctx, "w-1", 5000)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if j.ID != urgent {
		t.Fatalf("acquired %s, want urgent job", j.ID)
	}
	if token == "" || j.Lease == nil || j.Lease.Token != token {
		t.Fatalf("token not recorded: token=%q lease=%+v", token, j.Lease)
	}

	j2, _, ok, err := m.Acquire(ctx, "w-2", 5001)
	if err != nil || !ok {
		t.Fatalf("second acquire: ok=%v err=%v", ok, err)
	}
	if j2.ID != low {
		t.Fatalf("second acquire got %s, want remaining job", j2.ID)
	}

	_, _, ok, err = m.Acquire(ctx, "w-3", 5002)
	if err != nil {
		t.Fatalf("empty acquire: %v", err)
	}
	if ok {
		t.Fatal("acquire on drained queue returned a job")
	}
}

func TestAcquireTokensAreUnique(t *testing.T) {
	m, jobs := openTestManager(t, 3)
	ctx := context.Background()

	seedJob(t, jobs, 1, 1000)
	seedJob(t, jobs, 1, 2000)

	_, t1, _, err := m.Acquire(ctx, "w-1", 5000)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, t2, _, err := m.Acquire(ctx, "w-1", 5001)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if t1 == t2 {
		t.Fatal("two leases share a token")
	}
}

func TestReclaimRequeuesStalled(t *testing.T) {
	m, jobs := openTestManager(t, 3)
	ctx := context.Background()

	jobID := seedJob(t, jobs, 1, 1000)
	_, token, ok, err := m.Acquire(ctx, "w-1", 2000)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// not yet past the stall timeout
	requeued, failed, err := m.Reclaim(ctx, 30000, 10000, 100)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 0 || len(failed) != 0 {
		t.Fatalf("premature reclaim: requeued=%d failed=%v", requeued, failed)
	}

	requeued, failed, err = m.Reclaim(ctx, 30000, 40000, 100)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 1 || len(failed) != 0 {
		t.Fatalf("reclaim: requeued=%d failed=%v", requeued, failed)
	}

	j, err := jobs.Get(jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != jobstore.StatusQueued || j.StallCount != 1 {
		t.Fatalf("after reclaim: status=%q stalls=%d", j.Status, j.StallCount)
	}

	// the old lease is dead
	if err := jobs.Complete(ctx, jobID, token, nil, 41000); !errors.Is(err, jobstore.ErrLeaseMismatch) {
		t.Fatalf("stale token report: %v", err)
	}
}

func TestReclaimFailsPoisonJob(t *testing.T) {
	m, jobs := openTestManager(t, 2)
	ctx := context.Background()

	jobID := seedJob(t, jobs, 1, 1000)
	now := int64(2000)
	for i := 0; i < 2; i++ {
		_, _, ok, err := m.Acquire(ctx, "w-1", now)
		if err != nil || !ok {
			t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
		}
		now += 60000
		requeued, failed, err := m.Reclaim(ctx, 30000, now, 100)
		if err != nil {
			t.Fatalf("reclaim %d: %v", i, err)
		}
		if requeued != 1 || len(failed) != 0 {
			t.Fatalf("reclaim %d: requeued=%d failed=%v", i, requeued, failed)
		}
	}

	_, _, ok, err := m.Acquire(ctx, "w-1", now)
	if err != nil || !ok {
		t.Fatalf("final acquire: ok=%v err=%v", ok, err)
	}
	now += 60000
	requeued, failed, err := m.Reclaim(ctx, 30000, now, 100)
	if err != nil {
		t.Fatalf("final reclaim: %v", err)
	}
	if requeued != 0 || len(failed) != 1 || failed[0] != jobID {
		t.Fatalf("final reclaim: requeued=%d failed=%v", requeued, failed)
	}
	j, err := jobs.Get(jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != jobstore.StatusFailed || j.Outcome == nil || j.Outcome.FailureReason != jobstore.ReasonStalled {
		t.Fatalf("poison job not failed: %+v", j)
	}
}

func TestRenewDefersReclaim(t *testing.T) {
	m, jobs := openTestManager(t, 3)
	ctx := context.Background()

	jobID := seedJob(t, jobs, 1, 1000)
	_, token, ok, err := m.Acquire(ctx, "w-1", 2000)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := m.Renew(ctx, jobID, token, 30000, 20000); err != nil {
		t.Fatalf("renew: %v", err)
	}

	// lease stamp was pushed to 50000; a sweep at 40000 must not touch it
	requeued, failed, err := m.Reclaim(ctx, 30000, 40000, 100)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 0 || len(failed) != 0 {
		t.Fatalf("renewed lease reclaimed: requeued=%d failed=%v", requeued, failed)
	}
	j, err := jobs.Get(jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != jobstore.StatusActive {
		t.Fatalf("status = %q after renew", j.Status)
	}
}

func TestConcurrentAcquireClaimsEachJobOnce(t *testing.T) {
	m, jobs := openTestManager(t, 3)

	const workers = 8
	const jobCount = workers * 4
	for i := 0; i < jobCount; i++ {
		seedJob(t, jobs, int32(i%3), int64(1000+i))
	}

	var mu sync.Mutex
	claims := make(map[id.ID]string)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ctx := context.Background()
			for {
				j, token, ok, err := m.Acquire(ctx, "w", 5000)
				if err != nil {
					t.Errorf("worker %d acquire: %v", worker, err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := claims[j.ID]; dup {
					t.Errorf("job %s claimed twice: tokens %q and %q", j.ID, prev, token)
				}
				claims[j.ID] = token
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	// a worker may report empty after exhausting its race-retry budget; an
	// uncontended drain picks up anything it left behind
	for {
		j, token, ok, err := m.Acquire(context.Background(), "w-final", 5000)
		if err != nil {
			t.Fatalf("final drain: %v", err)
		}
		if !ok {
			break
		}
		if prev, dup := claims[j.ID]; dup {
			t.Fatalf("job %s claimed twice: tokens %q and %q", j.ID, prev, token)
		}
		claims[j.ID] = token
	}

	if len(claims) != jobCount {
		t.Fatalf("claimed %d jobs, want %d", len(claims), jobCount)
	}
	seen := make(map[string]bool, len(claims))
	for _, token := range claims {
		if seen[token] {
			t.Fatalf("token %q issued twice", token)
		}
		seen[token] = true
	}
}
