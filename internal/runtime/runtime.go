package runtime

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/grubworks/grubq/internal/backlog"
	cfgpkg "github.com/grubworks/grubq/internal/config"
	"github.com/grubworks/grubq/internal/groupstore"
	"github.com/grubworks/grubq/internal/jobstore"
	"github.com/grubworks/grubq/internal/notify"
	queuesvc "github.com/grubworks/grubq/internal/services/queue"
	pebblestore "github.com/grubworks/grubq/internal/storage/pebble"
	"github.com/grubworks/grubq/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
}

// Runtime wires storage, the stores, and the queue facade for a single-node
// instance, and owns the background sweep loops.
type Runtime struct {
	db     *pebblestore.DB
	jobs   *jobstore.Store
	groups *groupstore.Store
	hub    *notify.Hub
	svc    *queuesvc.Service
	config cfgpkg.Config
	logger log.Logger

	mu        sync.Mutex
	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// Open initializes the underlying storage and returns a Runtime. Sweepers
// are not running until StartSweepers.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
	})
	if err != nil {
		return nil, err
	}
	jobs, err := jobstore.Open(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	bl := backlog.Open(db)
	groups := groupstore.Open(db)
	hub := notify.NewHub()
	svc := queuesvc.New(db, jobs, bl, groups, hub, opts.Config.Queue, logger)

	return &Runtime{
		db:     db,
		jobs:   jobs,
		groups: groups,
		hub:    hub,
		svc:    svc,
		config: opts.Config,
		logger: logger.With(log.Component("runtime")),
	}, nil
}

// Close stops the sweepers and closes underlying resources.
func (r *Runtime) Close() error {
	r.StopSweepers()
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage probe.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// Queue returns the engine facade.
func (r *Runtime) Queue() *queuesvc.Service { return r.svc }

// Hub returns the notification hub.
func (r *Runtime) Hub() *notify.Hub { return r.hub }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// StartSweepers launches the background maintenance loops: lease
// reclamation, backlog admission, backlog purge, group expiry, and terminal
// retention. Idempotent.
func (r *Runtime) StartSweepers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweepStop != nil {
		return
	}
	r.sweepStop = make(chan struct{})
	q := r.config.Queue

	r.sweep("reclaim", q.ReclaimIntervalMs, func(ctx context.Context) error {
		_, _, err := r.svc.ReclaimStalled(ctx)
		return err
	})
	r.sweep("admission", q.AdmissionIntervalMs, func(ctx context.Context) error {
		_, err := r.svc.PromoteBacklog(ctx)
		return err
	})
	r.sweep("backlog_purge", q.PurgeIntervalMs, func(ctx context.Context) error {
		_, err := r.svc.PurgeBacklog(ctx)
		return err
	})
	r.sweep("group_expiry", q.GroupSweepIntervalMs, func(ctx context.Context) error {
		_, err := r.svc.ExpireGroups(ctx)
		return err
	})
	r.sweep("terminal_trim", q.TrimIntervalMs, func(ctx context.Context) error {
		_, err := r.svc.TrimTerminal(ctx)
		return err
	})
}

// StopSweepers stops the background loops and waits for them to exit.
func (r *Runtime) StopSweepers() {
	r.mu.Lock()
	stop := r.sweepStop
	r.sweepStop = nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	r.sweepWG.Wait()
}

// sweep runs tick on a jittered interval until StopSweepers. Caller holds
// r.mu and a non-nil r.sweepStop.
func (r *Runtime) sweep(name string, intervalMs int64, tick func(ctx context.Context) error) {
	interval := time.Duration(intervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	stop := r.sweepStop
	r.sweepWG.Add(1)
	go func() {
		defer r.sweepWG.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				if err := tick(context.Background()); err != nil {
					r.logger.Warn("sweep failed", log.Str("sweep", name), log.Err(err))
				}
			}
		}
	}()
}
