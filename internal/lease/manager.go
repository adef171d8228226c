package lease

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/grubworks/grubq/internal/jobstore"
	"github.com/grubworks/grubq/pkg/id"
	"github.com/grubworks/grubq/pkg/log"
)

// acquireRetries bounds how many lost claim races a single Acquire call will
// absorb before reporting empty. Contention alone should not surface as an
// empty queue to the caller, but an unbounded loop could spin when every
// candidate is being snatched by reclamation.
const acquireRetries = 16

// Manager layers worker-facing leasing over the job store: claim races,
// token minting, and the stall reclamation sweep.
type Manager struct {
	jobs      *jobstore.Store
	maxStalls int
	logger    log.Logger
}

// New wires a Manager. maxStalls caps how often a job may be reclaimed
// before it is failed as poison.
func New(jobs *jobstore.Store, maxStalls int, logger log.Logger) *Manager {
	return &Manager{jobs: jobs, maxStalls: maxStalls, logger: logger.With(log.Component("lease"))}
}

// Acquire claims the highest-ranked queued job for workerID. It returns
// ok=false only when the queue is drained, not on a lost race; losing the
// claim to another worker moves on to the next candidate.
func (m *Manager) Acquire(ctx context.Context, workerID string, nowMs int64) (*jobstore.Job, string, bool, error) {
	for attempt := 0; attempt < acquireRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, "", false, err
		}
		jobID, found, err := m.jobs.PeekNextCandidate()
		if err != nil {
			return nil, "", false, err
		}
		if !found {
			return nil, "", false, nil
		}
		token := uuid.NewString()
		won, err := m.jobs.MarkActive(ctx, jobID, token, nowMs)
		if err != nil {
			return nil, "", false, err
		}
		if !won {
			continue
		}
		j, err := m.jobs.Get(jobID)
		if err != nil {
			return nil, "", false, err
		}
		m.logger.Debug("lease acquired",
			log.Str("job_id", jobID.String()),
			log.Str("worker_id", workerID))
		return j, token, true, nil
	}
	m.logger.Warn("gave up acquiring under contention", log.Str("worker_id", workerID))
	return nil, "", false, nil
}

// Renew extends a held lease. The token must still match.
func (m *Manager) Renew(ctx context.Context, jobID id.ID, token string, extensionMs, nowMs int64) error {
	return m.jobs.Renew(ctx, jobID, token, extensionMs, nowMs)
}

// Reclaim sweeps active jobs whose lease timestamp is older than
// stallTimeoutMs and either requeues them or fails them once the stall cap
// is reached. Returns the requeue count and the ids of jobs failed as
// poison, which the caller reports to their groups.
func (m *Manager) Reclaim(ctx context.Context, stallTimeoutMs, nowMs int64, max int) (int, []id.ID, error) {
	stalled, err := m.jobs.FindStalled(nowMs-stallTimeoutMs, max)
	if err != nil {
		return 0, nil, err
	}

	requeued := 0
	var failed []id.ID
	for _, jobID := range stalled {
		status, err := m.jobs.ReclaimOne(ctx, jobID, m.maxStalls, nowMs)
		if err != nil {
			if errors.Is(err, jobstore.ErrNotFound) {
				continue
			}
			return requeued, failed, err
		}
		switch status {
		case jobstore.StatusQueued:
			requeued++
		case jobstore.StatusFailed:
			failed = append(failed, jobID)
			m.logger.Warn("job failed after repeated stalls", log.Str("job_id", jobID.String()))
		}
	}
	if requeued > 0 || len(failed) > 0 {
		m.logger.Info("reclaimed stalled leases",
			log.Int("requeued", requeued),
			log.Int("failed", len(failed)))
	}
	return requeued, failed, nil
}
