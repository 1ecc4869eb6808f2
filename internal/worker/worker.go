// Package worker runs jobs from the job store on a fixed number of slots.
// A coordinator claims pending jobs for idle slots, each claimed job runs in
// its own goroutine, and a reaper fails jobs whose slot lock has gone stale.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/job-engine/internal/domain"
	"github.com/cuongbtq/job-engine/internal/events"
	"github.com/cuongbtq/job-engine/internal/executor"
	"github.com/cuongbtq/job-engine/internal/subsystem"
)

// ErrPoolNotRunning is returned by Stop on a pool that is not started
var ErrPoolNotRunning = errors.New("worker pool is not running")

// Defaults for Config zero values
const (
	DefaultMaxWorkers      = 4
	DefaultPollInterval    = 2 * time.Second
	DefaultCleanupInterval = 5 * time.Minute
	DefaultSlotTimeout     = 2 * time.Hour
)

// JobStore is the persistence the pool needs
type JobStore interface {
	AcquireForSlot(ctx context.Context, slotID int) (*domain.Job, error)
	Release(ctx context.Context, id int64) error
	FinishRunning(ctx context.Context, id int64, status domain.JobStatus, errMsg string) (bool, error)
	AppendLog(ctx context.Context, id int64, line string) error
	CleanupStale(ctx context.Context, timeout time.Duration) ([]int64, error)
}

// Broadcaster publishes job progress
type Broadcaster interface {
	BroadcastLog(ctx context.Context, p events.LogPayload)
	BroadcastStatus(ctx context.Context, p events.StatusPayload)
	BroadcastJobComplete(ctx context.Context, p events.JobCompletePayload)
}

// StatusSink records subsystem statuses
type StatusSink interface {
	UpdateStatus(id string, status subsystem.Status, progress int, message string)
}

// Executor runs one job. Cancel must be idempotent and goroutine safe.
type Executor interface {
	Execute(ctx context.Context, params domain.Params, logFn executor.LogFunc) (bool, error)
	Cancel()
}

// ExecutorFactory returns a fresh executor for a job running on slotID
type ExecutorFactory func(slotID int) Executor

// Config holds worker pool configuration
type Config struct {
	Logger          *slog.Logger
	Store           JobStore
	Events          Broadcaster
	Statuses        StatusSink
	NewExecutor     ExecutorFactory
	MaxWorkers      int
	PollInterval    time.Duration
	CleanupInterval time.Duration
	SlotTimeout     time.Duration
}

// Pool owns the slot table and the coordinator and reaper loops
type Pool struct {
	logger          *slog.Logger
	store           JobStore
	events          Broadcaster
	statuses        StatusSink
	newExecutor     ExecutorFactory
	maxWorkers      int
	pollInterval    time.Duration
	cleanupInterval time.Duration
	slotTimeout     time.Duration
	clock           func() time.Time

	mu      sync.Mutex
	slots   []*slot
	running bool
	cancel  context.CancelFunc

	loops sync.WaitGroup
	jobs  sync.WaitGroup
}

// NewPool creates a stopped pool with MaxWorkers idle slots
func NewPool(cfg *Config) *Pool {
	p := &Pool{
		logger:          cfg.Logger,
		store:           cfg.Store,
		events:          cfg.Events,
		statuses:        cfg.Statuses,
		newExecutor:     cfg.NewExecutor,
		maxWorkers:      cfg.MaxWorkers,
		pollInterval:    cfg.PollInterval,
		cleanupInterval: cfg.CleanupInterval,
		slotTimeout:     cfg.SlotTimeout,
		clock:           time.Now,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.maxWorkers <= 0 {
		p.maxWorkers = DefaultMaxWorkers
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	if p.cleanupInterval <= 0 {
		p.cleanupInterval = DefaultCleanupInterval
	}
	if p.slotTimeout <= 0 {
		p.slotTimeout = DefaultSlotTimeout
	}

	p.slots = make([]*slot, p.maxWorkers)
	for i := range p.slots {
		p.slots[i] = &slot{id: i, status: SlotIdle}
	}

	p.logger.Info("Worker pool created", slog.Int("max_workers", p.maxWorkers))
	return p
}

// Start launches the coordinator and reaper. Calling it on a running pool
// logs a warning and does nothing.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		p.logger.Warn("Worker pool is already running")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.loops.Add(2)
	go p.coordinate(runCtx)
	go p.reap(runCtx)

	p.logger.Info("Worker pool started",
		slog.Int("max_workers", p.maxWorkers),
		slog.Duration("poll_interval", p.pollInterval),
		slog.Duration("cleanup_interval", p.cleanupInterval),
		slog.Duration("slot_timeout", p.slotTimeout),
	)
	return nil
}

// Stop stops both loops, cancels every running job and waits for the
// execution goroutines to record their outcome
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool...")
	p.loops.Wait()

	p.mu.Lock()
	for _, s := range p.slots {
		if s.status == SlotRunning {
			s.stop()
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop timed out with jobs still running")
		return ctx.Err()
	}
}

// CancelJob asks the slot running id to stop. It reports whether such a
// slot was found on this instance.
func (p *Pool) CancelJob(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if s.status == SlotRunning && s.jobID == id {
			s.stop()
			p.logger.Info("Job cancellation requested",
				slog.Int64("job_id", id),
				slog.Int("slot_id", s.id),
			)
			return true
		}
	}
	return false
}

// Running reports whether the pool is started
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// MaxWorkers returns the slot count
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
