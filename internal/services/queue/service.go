package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/grubworks/grubq/internal/admission"
	"github.com/grubworks/grubq/internal/backlog"
	"github.com/grubworks/grubq/internal/config"
	"github.com/grubworks/grubq/internal/groupstore"
	"github.com/grubworks/grubq/internal/jobstore"
	"github.com/grubworks/grubq/internal/lease"
	"github.com/grubworks/grubq/internal/notify"
	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
	"github.com/grubworks/grubq/pkg/id"
	"github.com/grubworks/grubq/pkg/log"
)

// Error surface of the engine. Callers match with errors.Is.
var (
	ErrDuplicateID   = jobstore.ErrDuplicateID
	ErrNotFound      = jobstore.ErrNotFound
	ErrLeaseMismatch = jobstore.ErrLeaseMismatch
	ErrGroupNotFound = groupstore.ErrNotFound
	ErrGroupTerminal = groupstore.ErrTerminal
)

// ReasonGroupCancelled is the failure reason stamped on members when their
// group is cancelled or expires.
const ReasonGroupCancelled = "group cancelled"

// Service is the producer/consumer/observer facade over the stores. All
// engine semantics that span more than one store live here.
type Service struct {
	db      *pebblestore.DB
	jobs    *jobstore.Store
	backlog *backlog.Store
	groups  *groupstore.Store
	leases  *lease.Manager
	admit   *admission.Controller
	hub     *notify.Hub
	cfg     config.QueueConfig
	gen     *id.Generator
	logger  log.Logger

	// nowMs is swappable in tests
	nowMs func() int64
}

// New wires a Service over already-open stores.
func New(db *pebblestore.DB, jobs *jobstore.Store, bl *backlog.Store, groups *groupstore.Store, hub *notify.Hub, cfg config.QueueConfig, logger log.Logger) *Service {
	svcLogger := logger.With(log.Component("queue"))
	return &Service{
		db:      db,
		jobs:    jobs,
		backlog: bl,
		groups:  groups,
		leases:  lease.New(jobs, cfg.MaxStalls, logger),
		admit:   admission.New(db, bl, jobs, logger),
		hub:     hub,
		cfg:     cfg,
		gen:     id.NewGenerator(),
		logger:  svcLogger,
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Hub exposes the notification hub for subscribers.
func (s *Service) Hub() *notify.Hub { return s.hub }

// Submit enqueues a job. Under the direct-admit threshold the job lands in
// the job store immediately; above it the job waits in the backlog until the
// admission sweep promotes it. Either way the returned id is final.
func (s *Service) Submit(ctx context.Context, payload json.RawMessage, priority int32, ownerID, groupID string) (id.ID, error) {
	if groupID != "" {
		g, err := s.groups.Get(groupID)
		if err != nil {
			return id.Zero, err
		}
		if g.Status.Terminal() {
			return id.Zero, ErrGroupTerminal
		}
	}

	now := s.nowMs()
	jobID := s.gen.Next()

	if s.jobs.QueuedDepth() < int64(s.cfg.DirectAdmitThreshold) {
		j := &jobstore.Job{
			ID:        jobID,
			Status:    jobstore.StatusQueued,
			Priority:  priority,
			CreatedAt: now,
			Payload:   payload,
			OwnerID:   ownerID,
			GroupID:   groupID,
		}
		if err := s.jobs.Insert(ctx, j); err != nil {
			return id.Zero, err
		}
		s.hub.Publish(notify.Event{JobID: jobID, GroupID: groupID, Status: string(jobstore.StatusQueued)})
		return jobID, nil
	}

	e := &backlog.Entry{
		ID:        jobID,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now + s.cfg.BacklogTTLMs,
		Payload:   payload,
		OwnerID:   ownerID,
		GroupID:   groupID,
	}
	if err := s.backlog.Insert(ctx, e); err != nil {
		return id.Zero, err
	}
	return jobID, nil
}

// JobStatus reports a job's current state.
func (s *Service) JobStatus(ctx context.Context, jobID id.ID) (*jobstore.Job, error) {
	j, err := s.jobs.Get(jobID)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, jobstore.ErrNotFound) {
		return nil, err
	}
	// not yet admitted
	e, ok, berr := s.backlog.Get(jobID)
	if berr != nil {
		return nil, berr
	}
	if !ok {
		return nil, err
	}
	return &jobstore.Job{
		ID:        e.ID,
		Status:    jobstore.StatusQueued,
		Priority:  e.Priority,
		CreatedAt: e.CreatedAt,
		Payload:   e.Payload,
		OwnerID:   e.OwnerID,
		GroupID:   e.GroupID,
	}, nil
}

// CreateGroup registers a group. ttlMs <= 0 means no expiry.
func (s *Service) CreateGroup(ctx context.Context, groupID, ownerID string, ttlMs int64) error {
	return s.groups.Create(ctx, &groupstore.Group{
		ID:        groupID,
		OwnerID:   ownerID,
		CreatedAt: s.nowMs(),
		TTLMs:     ttlMs,
	})
}

// CancelGroup cancels a group: one commit flips the group to cancelled,
// fails every queued or active member, and drops the group's pending backlog
// entries. Workers holding leases on the failed members find out when their
// report comes back as a stale-token no-op.
func (s *Service) CancelGroup(ctx context.Context, groupID string) error {
	return s.terminateGroup(ctx, groupID, s.nowMs())
}

func (s *Service) terminateGroup(ctx context.Context, groupID string, nowMs int64) error {
	s.groups.Lock()
	defer s.groups.Unlock()

	failed, err := s.jobs.FailGroupMembers(ctx, groupID, ReasonGroupCancelled, nowMs, func(b *pebble.Batch) error {
		if _, err := s.groups.AppendSetStatus(b, groupID, groupstore.StatusCancelled, nowMs); err != nil {
			return err
		}
		_, err := s.backlog.AppendDeleteGroup(b, groupID)
		return err
	})
	if err != nil {
		return err
	}

	s.hub.Publish(notify.Event{GroupID: groupID, Status: string(groupstore.StatusCancelled)})
	s.logger.Info("group cancelled",
		log.Str("group_id", groupID),
		log.Int("members_failed", failed))
	return nil
}

// GroupStatus reports a group's lifecycle state and member counts by status.
// Unadmitted backlog entries count as queued.
func (s *Service) GroupStatus(ctx context.Context, groupID string) (*groupstore.Group, jobstore.Counts, error) {
	g, err := s.groups.Get(groupID)
	if err != nil {
		return nil, jobstore.Counts{}, err
	}
	counts, err := s.jobs.GroupCounts(groupID)
	if err != nil {
		return nil, jobstore.Counts{}, err
	}
	pending, err := s.backlog.PendingInGroup(groupID)
	if err != nil {
		return nil, jobstore.Counts{}, err
	}
	counts.Queued += pending
	return g, counts, nil
}

// Acquire claims the next job for a worker. ok=false means the queue is
// empty right now.
func (s *Service) Acquire(ctx context.Context, workerID string) (*jobstore.Job, string, bool, error) {
	return s.leases.Acquire(ctx, workerID, s.nowMs())
}

// Renew extends a worker's lease on a job.
func (s *Service) Renew(ctx context.Context, jobID id.ID, token string, extensionMs int64) error {
	return s.leases.Renew(ctx, jobID, token, extensionMs, s.nowMs())
}

// ReportComplete records a successful outcome. A stale token means the lease
// was reclaimed or the group cancelled while the worker ran; the work is
// gone and the report is dropped without error.
func (s *Service) ReportComplete(ctx context.Context, jobID id.ID, token string, result json.RawMessage) error {
	err := s.jobs.Complete(ctx, jobID, token, result, s.nowMs())
	return s.afterReport(ctx, jobID, err)
}

// ReportFailed records a failed outcome with a reason.
func (s *Service) ReportFailed(ctx context.Context, jobID id.ID, token, reason string) error {
	err := s.jobs.Fail(ctx, jobID, token, reason, s.nowMs())
	return s.afterReport(ctx, jobID, err)
}

func (s *Service) afterReport(ctx context.Context, jobID id.ID, err error) error {
	if err != nil {
		if errors.Is(err, jobstore.ErrLeaseMismatch) || errors.Is(err, jobstore.ErrTerminal) {
			s.logger.Debug("dropped stale outcome report", log.Str("job_id", jobID.String()))
			return nil
		}
		return err
	}

	j, gerr := s.jobs.Get(jobID)
	if gerr != nil {
		return gerr
	}
	s.hub.Publish(notify.Event{JobID: jobID, GroupID: j.GroupID, Status: string(j.Status)})
	if j.GroupID != "" {
		s.checkGroupCompletion(ctx, j.GroupID)
	}
	return nil
}

// checkGroupCompletion is the lazy aggregation step: run only when a member
// reaches a terminal state, it flips the group to completed once no queued,
// active, or unadmitted members remain.
func (s *Service) checkGroupCompletion(ctx context.Context, groupID string) {
	g, err := s.groups.Get(groupID)
	if err != nil || g.Status.Terminal() {
		return
	}
	remaining, err := s.jobs.GroupRemaining(groupID)
	if err != nil || remaining > 0 {
		return
	}
	pending, err := s.backlog.PendingInGroup(groupID)
	if err != nil || pending > 0 {
		return
	}
	flipped, err := s.groups.SetCompleted(ctx, groupID, s.nowMs())
	if err != nil {
		s.logger.Warn("group completion check failed",
			log.Str("group_id", groupID), log.Err(err))
		return
	}
	if flipped {
		s.hub.Publish(notify.Event{GroupID: groupID, Status: string(groupstore.StatusCompleted)})
		s.logger.Info("group completed", log.Str("group_id", groupID))
	}
}

// PromoteBacklog runs one admission pass. A wake-up event is published when
// anything was promoted so blocked workers retry promptly.
func (s *Service) PromoteBacklog(ctx context.Context) (int, error) {
	n, err := s.admit.Promote(ctx, s.cfg.AdmissionBatch, s.nowMs())
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.hub.Publish(notify.Event{Status: string(jobstore.StatusQueued)})
	}
	return n, nil
}

// ReclaimStalled runs one lease-reclamation pass. Jobs failed as poison get
// the same terminal bookkeeping as a worker-reported failure.
func (s *Service) ReclaimStalled(ctx context.Context) (int, int, error) {
	requeued, failed, err := s.leases.Reclaim(ctx, s.cfg.StallTimeoutMs, s.nowMs(), s.cfg.ReclaimBatch)
	if err != nil {
		return requeued, len(failed), err
	}
	if requeued > 0 {
		s.hub.Publish(notify.Event{Status: string(jobstore.StatusQueued)})
	}
	for _, jobID := range failed {
		j, gerr := s.jobs.Get(jobID)
		if gerr != nil {
			continue
		}
		s.hub.Publish(notify.Event{JobID: jobID, GroupID: j.GroupID, Status: string(j.Status)})
		if j.GroupID != "" {
			s.checkGroupCompletion(ctx, j.GroupID)
		}
	}
	return requeued, len(failed), nil
}

// PurgeBacklog drops expired backlog entries and reports each owning group's
// implicit failures, then re-checks those groups for completion.
func (s *Service) PurgeBacklog(ctx context.Context) (int, error) {
	purged, err := s.backlog.PurgeExpired(ctx, s.nowMs(), s.cfg.AdmissionBatch)
	if err != nil {
		return 0, err
	}
	if len(purged) == 0 {
		return 0, nil
	}

	byGroup := make(map[string]int)
	for _, e := range purged {
		if e.GroupID != "" {
			byGroup[e.GroupID]++
		}
	}
	for groupID, n := range byGroup {
		if err := s.groups.NoteBacklogExpired(ctx, groupID, n); err != nil {
			if errors.Is(err, groupstore.ErrNotFound) {
				continue
			}
			return len(purged), err
		}
		s.checkGroupCompletion(ctx, groupID)
	}
	s.logger.Info("purged expired backlog entries", log.Int("count", len(purged)))
	return len(purged), nil
}

// ExpireGroups cancels still-active groups whose ttl has elapsed.
func (s *Service) ExpireGroups(ctx context.Context) (int, error) {
	now := s.nowMs()
	expired, err := s.groups.FindExpired(now, s.cfg.ReclaimBatch)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, groupID := range expired {
		if err := s.terminateGroup(ctx, groupID, now); err != nil {
			// lost the race against completion or an explicit cancel
			if errors.Is(err, groupstore.ErrTerminal) || errors.Is(err, groupstore.ErrNotFound) {
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// TrimTerminal runs one retention pass over terminal job records.
func (s *Service) TrimTerminal(ctx context.Context) (int, error) {
	return s.jobs.TrimTerminal(ctx, s.nowMs()-s.cfg.TerminalRetentionMs, s.cfg.TrimBatch)
}
