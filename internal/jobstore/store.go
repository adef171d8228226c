package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
	"github.com/grubworks/grubq/pkg/id"
)

// Store owns job records and their per-status indexes. Every status
// transition is a conditional update: the current record is re-read and
// checked under the store mutex before the batch commits, so two racing
// pollers can never both claim the same queued job and a terminal record can
// never be overwritten. Inserts create fresh keys and skip the mutex.
type Store struct {
	db *pebblestore.DB

	mu sync.Mutex // serializes status transitions

	queuedDepth atomic.Int64
}

// Counts tallies a group's members by status.
type Counts struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Remaining returns the number of non-terminal members.
func (c Counts) Remaining() int { return c.Queued + c.Active }

// Open binds a Store to the shared DB and restores the queued-depth counter
// from the queued index.
func Open(db *pebblestore.DB) (*Store, error) {
	s := &Store{db: db}
	prefix := QueuedPrefix()
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("jobstore: open scan: %w", err)
	}
	defer iter.Close()
	depth := int64(0)
	for ok := iter.First(); ok; ok = iter.Next() {
		depth++
	}
	s.queuedDepth.Store(depth)
	return s, nil
}

// QueuedDepth returns the current number of queued jobs.
func (s *Store) QueuedDepth() int64 { return s.queuedDepth.Load() }

// Exists reports whether a record exists for the id.
func (s *Store) Exists(jobID id.ID) (bool, error) {
	return s.db.Has(JobKey(jobID))
}

// Get loads a job record.
func (s *Store) Get(jobID id.ID) (*Job, error) {
	raw, err := s.db.Get(JobKey(jobID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j, ok := DecodeJob(jobID, raw)
	if !ok {
		return nil, ErrCorrupt
	}
	return j, nil
}

// Insert writes a new job with status queued. Fails with ErrDuplicateID if
// the id is already present.
func (s *Store) Insert(ctx context.Context, j *Job) error {
	return s.InsertWith(ctx, j, nil)
}

// InsertWith is Insert with an extra callback that may append more writes to
// the same batch. The admission controller uses it to delete the promoted
// backlog entry in the same atomic commit.
func (s *Store) InsertWith(ctx context.Context, j *Job, extra func(b *pebble.Batch) error) error {
	if j.ID.IsZero() {
		return fmt.Errorf("jobstore: insert without id")
	}
	exists, err := s.Exists(j.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateID
	}

	j.Status = StatusQueued
	j.Lease = nil
	j.Outcome = nil

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.appendRecord(b, j); err != nil {
		return err
	}
	if err := b.Set(QueuedKey(j.Priority, j.CreatedAt, j.ID), nil, nil); err != nil {
		return err
	}
	if err := s.appendMember(b, j); err != nil {
		return err
	}
	if extra != nil {
		if err := extra(b); err != nil {
			return err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	s.queuedDepth.Add(1)
	return nil
}

// PeekNextCandidate returns the best-ranked queued job id, ordered by
// (priority, created_at, id). Read-only; claiming is MarkActive's job.
func (s *Store) PeekNextCandidate() (id.ID, bool, error) {
	prefix := QueuedPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return id.Zero, false, err
	}
	defer iter.Close()
	if !iter.First() {
		return id.Zero, false, nil
	}
	jobID, ok := idFromIndexKey(iter.Key())
	if !ok {
		return id.Zero, false, ErrCorrupt
	}
	return jobID, true, nil
}

// MarkActive transitions a queued job to active, stamping the lease. Returns
// false without error when the job is no longer queued; the caller lost the
// race and should move to the next candidate.
func (s *Store) MarkActive(ctx context.Context, jobID id.ID, token string, nowMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.Get(jobID)
	if err != nil {
		return false, err
	}
	if j.Status != StatusQueued {
		return false, nil
	}

	j.Status = StatusActive
	j.Lease = &Lease{Token: token, LeasedAt: nowMs}

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.appendRecord(b, j); err != nil {
		return false, err
	}
	if err := b.Delete(QueuedKey(j.Priority, j.CreatedAt, j.ID), nil); err != nil {
		return false, err
	}
	if err := b.Set(ActiveKey(nowMs, j.ID), nil, nil); err != nil {
		return false, err
	}
	if err := s.appendMember(b, j); err != nil {
		return false, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	s.queuedDepth.Add(-1)
	return true, nil
}

// Renew moves the lease's stall clock forward: leased_at becomes
// now + extension. Fails with ErrLeaseMismatch when the token is stale.
func (s *Store) Renew(ctx context.Context, jobID id.ID, token string, extensionMs, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.Get(jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return ErrTerminal
	}
	if j.Lease == nil || j.Lease.Token != token {
		return ErrLeaseMismatch
	}

	oldLeasedAt := j.Lease.LeasedAt
	j.Lease.LeasedAt = nowMs + extensionMs

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.appendRecord(b, j); err != nil {
		return err
	}
	if err := b.Delete(ActiveKey(oldLeasedAt, j.ID), nil); err != nil {
		return err
	}
	if err := b.Set(ActiveKey(j.Lease.LeasedAt, j.ID), nil, nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// Complete transitions active -> completed, stamping the result exactly once.
func (s *Store) Complete(ctx context.Context, jobID id.ID, token string, result []byte, nowMs int64) error {
	return s.finish(ctx, jobID, token, result, "", nowMs)
}

// Fail transitions active -> failed, stamping the failure reason exactly once.
func (s *Store) Fail(ctx context.Context, jobID id.ID, token string, reason string, nowMs int64) error {
	return s.finish(ctx, jobID, token, nil, reason, nowMs)
}

func (s *Store) finish(ctx context.Context, jobID id.ID, token string, result []byte, reason string, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.Get(jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return ErrTerminal
	}
	if j.Lease == nil || j.Lease.Token != token {
		return ErrLeaseMismatch
	}

	b := s.db.NewBatch()
	defer b.Close()
	fromQueued, err := s.appendFinish(b, j, result, reason, nowMs)
	if err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	if fromQueued {
		s.queuedDepth.Add(-1)
	}
	return nil
}

// ReclaimOne handles one stalled job: active -> queued with the stall count
// incremented, or active -> failed("stalled") once the count has reached
// maxStalls. Returns the status the job ended in, or "" when the job was no
// longer active (finished or already reclaimed between scan and call).
func (s *Store) ReclaimOne(ctx context.Context, jobID id.ID, maxStalls int, nowMs int64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.Get(jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if j.Status != StatusActive || j.Lease == nil {
		return "", nil
	}

	b := s.db.NewBatch()
	defer b.Close()

	if j.StallCount >= maxStalls {
		// active jobs carry no queued-index entry, so no depth change here
		if _, err := s.appendFinish(b, j, nil, ReasonStalled, nowMs); err != nil {
			return "", err
		}
		if err := s.db.CommitBatch(ctx, b); err != nil {
			return "", err
		}
		return StatusFailed, nil
	}

	oldLeasedAt := j.Lease.LeasedAt
	j.StallCount++
	j.Status = StatusQueued
	j.Lease = nil

	if err := s.appendRecord(b, j); err != nil {
		return "", err
	}
	if err := b.Delete(ActiveKey(oldLeasedAt, j.ID), nil); err != nil {
		return "", err
	}
	if err := b.Set(QueuedKey(j.Priority, j.CreatedAt, j.ID), nil, nil); err != nil {
		return "", err
	}
	if err := s.appendMember(b, j); err != nil {
		return "", err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return "", err
	}
	s.queuedDepth.Add(1)
	return StatusQueued, nil
}

// FindStalled lists active jobs whose leased_at precedes the cutoff. The
// active index is ordered by leased_at, so the scan stops at the first
// non-expired entry.
func (s *Store) FindStalled(olderThanMs int64, limit int) ([]id.ID, error) {
	prefix := ActivePrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []id.ID
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8+16 {
			continue
		}
		leasedAt := int64(indexTimestamp(k, len(prefix)))
		if leasedAt >= olderThanMs {
			break
		}
		jobID, okID := idFromIndexKey(k)
		if !okID {
			continue
		}
		out = append(out, jobID)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FailGroupMembers fails every queued or active member of the group with
// the given reason in one batch. The extra callback lets the caller fold
// more writes (the group-status flip, backlog cleanup) into the same atomic
// commit. Returns the number of jobs transitioned.
func (s *Store) FailGroupMembers(ctx context.Context, group, reason string, nowMs int64, extra func(b *pebble.Batch) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.groupMembersByStatus(group, StatusQueued, StatusActive)
	if err != nil {
		return 0, err
	}

	b := s.db.NewBatch()
	defer b.Close()

	failed := 0
	dequeued := int64(0)
	for _, jobID := range ids {
		j, err := s.Get(jobID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return 0, err
		}
		if j.Status.Terminal() {
			continue
		}
		fromQueued, err := s.appendFinish(b, j, nil, reason, nowMs)
		if err != nil {
			return 0, err
		}
		if fromQueued {
			dequeued++
		}
		failed++
	}
	if extra != nil {
		if err := extra(b); err != nil {
			return 0, err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	s.queuedDepth.Add(-dequeued)
	return failed, nil
}

// GroupCounts tallies a group's members by status.
func (s *Store) GroupCounts(group string) (Counts, error) {
	prefix := MemberPrefix(group)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return Counts{}, err
	}
	defer iter.Close()

	var c Counts
	for ok := iter.First(); ok; ok = iter.Next() {
		v := iter.Value()
		if len(v) != 1 {
			continue
		}
		switch v[0] {
		case 'q':
			c.Queued++
		case 'a':
			c.Active++
		case 'c':
			c.Completed++
		case 'f':
			c.Failed++
		}
	}
	return c, nil
}

// GroupRemaining returns the number of queued or active members. This is the
// lazy completion check run on each member's terminal transition.
func (s *Store) GroupRemaining(group string) (int, error) {
	c, err := s.GroupCounts(group)
	if err != nil {
		return 0, err
	}
	return c.Remaining(), nil
}

// TrimTerminal deletes terminal records finished before the cutoff, along
// with their retention-index and membership entries. Returns the number
// trimmed.
func (s *Store) TrimTerminal(ctx context.Context, olderThanMs int64, max int) (int, error) {
	prefix := DonePrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	trimmed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8+16 {
			continue
		}
		finishedAt := int64(indexTimestamp(k, len(prefix)))
		if finishedAt >= olderThanMs {
			break
		}
		jobID, okID := idFromIndexKey(k)
		if !okID {
			continue
		}
		if j, err := s.Get(jobID); err == nil && j.GroupID != "" {
			if err := b.Delete(MemberKey(j.GroupID, jobID), nil); err != nil {
				return trimmed, err
			}
		}
		if err := b.Delete(JobKey(jobID), nil); err != nil {
			return trimmed, err
		}
		if err := b.Delete(append([]byte{}, k...), nil); err != nil {
			return trimmed, err
		}
		trimmed++
		if max > 0 && trimmed >= max {
			break
		}
	}
	if trimmed == 0 {
		return 0, nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return trimmed, nil
}

// ReasonStalled is the failure reason stamped on jobs that exhaust their
// stall budget.
const ReasonStalled = "stalled"

func (s *Store) appendRecord(b *pebble.Batch, j *Job) error {
	raw, err := EncodeJob(j)
	if err != nil {
		return err
	}
	return b.Set(JobKey(j.ID), raw, nil)
}

func (s *Store) appendMember(b *pebble.Batch, j *Job) error {
	if j.GroupID == "" {
		return nil
	}
	return b.Set(MemberKey(j.GroupID, j.ID), []byte{memberByte(j.Status)}, nil)
}

// appendFinish moves a non-terminal job to its terminal state inside the
// caller's batch: record rewrite, per-status index maintenance, retention
// index entry, membership byte. Caller holds s.mu. fromQueued reports whether
// the job left the queued status; the caller owns the depth-counter decrement
// and must apply it only after the batch commits.
func (s *Store) appendFinish(b *pebble.Batch, j *Job, result []byte, reason string, nowMs int64) (fromQueued bool, err error) {
	priorStatus := j.Status
	var priorLeasedAt int64
	if j.Lease != nil {
		priorLeasedAt = j.Lease.LeasedAt
	}

	if reason != "" {
		j.Status = StatusFailed
		j.Outcome = &Outcome{FinishedAt: nowMs, FailureReason: reason}
	} else {
		j.Status = StatusCompleted
		j.Outcome = &Outcome{FinishedAt: nowMs, Result: result}
	}
	j.Lease = nil

	if err := s.appendRecord(b, j); err != nil {
		return false, err
	}
	switch priorStatus {
	case StatusQueued:
		if err := b.Delete(QueuedKey(j.Priority, j.CreatedAt, j.ID), nil); err != nil {
			return false, err
		}
		fromQueued = true
	case StatusActive:
		if err := b.Delete(ActiveKey(priorLeasedAt, j.ID), nil); err != nil {
			return false, err
		}
	}
	if err := b.Set(DoneKey(nowMs, j.ID), nil, nil); err != nil {
		return false, err
	}
	return fromQueued, s.appendMember(b, j)
}

// groupMembersByStatus lists member ids whose status byte matches one of the
// wanted statuses.
func (s *Store) groupMembersByStatus(group string, want ...Status) ([]id.ID, error) {
	wanted := make(map[byte]bool, len(want))
	for _, st := range want {
		wanted[memberByte(st)] = true
	}
	prefix := MemberPrefix(group)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []id.ID
	for ok := iter.First(); ok; ok = iter.Next() {
		v := iter.Value()
		if len(v) != 1 || !wanted[v[0]] {
			continue
		}
		jobID, okID := idFromIndexKey(iter.Key())
		if !okID {
			continue
		}
		out = append(out, jobID)
	}
	return out, nil
}

// indexTimestamp reads the big-endian millisecond timestamp that follows an
// index key's prefix (leased_at in the active index, finished_at in the
// retention index).
func indexTimestamp(key []byte, prefixLen int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(key[prefixLen+i])
	}
	return v
}
