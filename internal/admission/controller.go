package admission

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"

	"github.com/grubworks/grubq/internal/backlog"
	"github.com/grubworks/grubq/internal/jobstore"
	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
	"github.com/grubworks/grubq/pkg/log"
)

// Controller moves ready backlog entries into the job store. Each entry is
// promoted in its own batch holding both the job insert and the backlog
// deletion, so an entry is never admitted twice and never lost in between.
type Controller struct {
	db      *pebblestore.DB
	backlog *backlog.Store
	jobs    *jobstore.Store
	logger  log.Logger
}

// New wires a Controller over the shared DB and the two stores.
func New(db *pebblestore.DB, bl *backlog.Store, jobs *jobstore.Store, logger log.Logger) *Controller {
	return &Controller{db: db, backlog: bl, jobs: jobs, logger: logger.With(log.Component("admission"))}
}

// Promote admits up to batchSize ready entries and returns how many were
// promoted. Promotion is idempotent per entry: a job id that already exists
// is the crash-retry case, and only the leftover backlog entry is removed.
func (c *Controller) Promote(ctx context.Context, batchSize int, nowMs int64) (int, error) {
	entries, err := c.backlog.DrainReady(nowMs, batchSize)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		job := &jobstore.Job{
			ID:        e.ID,
			Status:    jobstore.StatusQueued,
			Priority:  e.Priority,
			CreatedAt: e.CreatedAt,
			Payload:   e.Payload,
			OwnerID:   e.OwnerID,
			GroupID:   e.GroupID,
		}
		err := c.jobs.InsertWith(ctx, job, func(b *pebble.Batch) error {
			return c.backlog.AppendDelete(b, e)
		})
		if err != nil {
			if errors.Is(err, jobstore.ErrDuplicateID) {
				if derr := c.deleteEntry(ctx, e); derr != nil {
					return promoted, derr
				}
				c.logger.Debug("dropped already-admitted backlog entry", log.Str("job_id", e.ID.String()))
				continue
			}
			return promoted, err
		}
		promoted++
	}
	if promoted > 0 {
		c.logger.Debug("promoted backlog entries", log.Int("count", promoted))
	}
	return promoted, nil
}

func (c *Controller) deleteEntry(ctx context.Context, e *backlog.Entry) error {
	b := c.db.NewBatch()
	defer b.Close()
	if err := c.backlog.AppendDelete(b, e); err != nil {
		return err
	}
	return c.db.CommitBatch(ctx, b)
}
