package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-engine/internal/domain"
)

// SlotStatus is the local state of one execution slot
type SlotStatus string

// Slot statuses. SlotError is reported only for bookkeeping faults.
const (
	SlotIdle    SlotStatus = "idle"
	SlotRunning SlotStatus = "running"
	SlotError   SlotStatus = "error"
)

type slot struct {
	id        int
	status    SlotStatus
	jobID     int64
	startedAt time.Time
	executor  Executor
	cancel    context.CancelFunc
	reaped    bool
}

// stop cancels both the executor and the job context. Callers hold p.mu.
func (s *slot) stop() {
	if s.executor != nil {
		s.executor.Cancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *slot) reset() {
	s.status = SlotIdle
	s.jobID = 0
	s.startedAt = time.Time{}
	s.executor = nil
	s.cancel = nil
	s.reaped = false
}

// SlotInfo is the reported state of one slot
type SlotInfo struct {
	SlotID    int        `json:"slot_id"`
	Status    SlotStatus `json:"status"`
	JobID     *int64     `json:"job_id"`
	StartedAt *time.Time `json:"started_at"`
}

// Status is a snapshot of the pool
type Status struct {
	MaxWorkers  int        `json:"max_workers"`
	Running     bool       `json:"running"`
	ActiveCount int        `json:"active_count"`
	IdleCount   int        `json:"idle_count"`
	Slots       []SlotInfo `json:"slots"`
}

// Status returns a snapshot of every slot
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		MaxWorkers: p.maxWorkers,
		Running:    p.running,
		Slots:      make([]SlotInfo, 0, len(p.slots)),
	}
	for _, s := range p.slots {
		info := SlotInfo{SlotID: s.id, Status: s.status}
		if s.status == SlotRunning {
			id, started := s.jobID, s.startedAt
			info.JobID = &id
			info.StartedAt = &started
			st.ActiveCount++
		} else if s.status == SlotIdle {
			st.IdleCount++
		}
		st.Slots = append(st.Slots, info)
	}
	return st
}

// coordinate fills idle slots with pending jobs until ctx is cancelled
func (p *Pool) coordinate(ctx context.Context) {
	defer p.loops.Done()

	p.logger.Info("Coordinator started")
	for {
		wait := p.pollInterval
		if err := p.fillIdleSlots(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("Failed to assign jobs to slots", slog.Any("error", err))
			wait = 2 * p.pollInterval
		}
		if !sleepCtx(ctx, wait) {
			break
		}
	}
	p.logger.Info("Coordinator stopped")
}

func (p *Pool) idleSlots() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []int
	for _, s := range p.slots {
		if s.status == SlotIdle {
			ids = append(ids, s.id)
		}
	}
	return ids
}

// fillIdleSlots claims at most one job per idle slot and stops at the first
// empty poll
func (p *Pool) fillIdleSlots(ctx context.Context) error {
	for _, slotID := range p.idleSlots() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := p.store.AcquireForSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		p.launch(ctx, slotID, job)
	}
	return nil
}

// launch marks the slot running and spawns the execution goroutine
func (p *Pool) launch(ctx context.Context, slotID int, job *domain.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	exec := p.newExecutor(slotID)

	p.mu.Lock()
	s := p.slots[slotID]
	s.status = SlotRunning
	s.jobID = job.ID
	s.startedAt = p.clock()
	s.executor = exec
	s.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("Job assigned to slot",
		slog.Int64("job_id", job.ID),
		slog.Int("slot_id", slotID),
	)

	p.jobs.Add(1)
	go p.run(jobCtx, s, job, exec)
}
