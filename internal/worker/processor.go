package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/job-engine/internal/domain"
	"github.com/cuongbtq/job-engine/internal/events"
	"github.com/cuongbtq/job-engine/internal/executor"
	"github.com/cuongbtq/job-engine/internal/subsystem"
)

// run executes one claimed job on slot s and records its outcome
func (p *Pool) run(ctx context.Context, s *slot, job *domain.Job, exec Executor) {
	defer p.jobs.Done()

	logger := p.logger.With(slog.Int64("job_id", job.ID), slog.Int("slot_id", s.id))
	// Outcome writes must land even when ctx was cancelled by Stop or CancelJob.
	bg := context.WithoutCancel(ctx)
	started := p.clock()

	defer func() {
		p.mu.Lock()
		s.cancel()
		s.reset()
		p.mu.Unlock()
	}()

	params := job.Params
	if params == nil {
		params = domain.Params{}
	}
	systems := params.Strings("sistemas")

	// Step 1: Mark requested subsystems as running
	for _, id := range systems {
		p.setSubsystem(bg, id, subsystem.StatusRunning, 0, "Executing...")
	}

	// Step 2: Execute, streaming every line to the store and the bus
	logFn := func(e executor.LogEntry) {
		if err := p.store.AppendLog(bg, job.ID, e.String()); err != nil {
			logger.Warn("Failed to append job log", slog.Any("error", err))
		}
		p.events.BroadcastLog(bg, events.LogPayload{
			Level:     e.Level,
			Subsystem: e.Subsystem,
			Message:   e.Message,
			JobID:     job.ID,
			SlotID:    s.id,
			Timestamp: e.Timestamp,
		})

		if !executor.IsNamedSubsystem(e.Subsystem) {
			return
		}
		switch e.Level {
		case executor.LevelSuccess:
			p.setSubsystem(bg, e.Subsystem, subsystem.StatusSuccess, 100, e.Message)
		case executor.LevelError:
			p.setSubsystem(bg, e.Subsystem, subsystem.StatusError, 0, e.Message)
		}
	}

	// settled is set once the row has left running. Until then the slot lock
	// stays on the row so the reaper can recover it.
	settled := false
	defer func() {
		if !settled {
			logger.Warn("Job left locked for the stale job reaper")
			return
		}
		if err := p.store.Release(bg, job.ID); err != nil {
			logger.Error("Failed to release job", slog.Any("error", err))
		}
	}()

	logger.Info("Executing job", slog.String("job_type", job.Type))
	ok, err := p.execute(ctx, exec, params, logFn)
	duration := p.clock().Sub(started).Seconds()

	p.mu.Lock()
	reaped := s.reaped
	p.mu.Unlock()
	if reaped {
		// The reaper already failed the row and announced it.
		settled = true
		logger.Warn("Job finished after being reclaimed as stale")
		return
	}

	// Step 3: Record the outcome
	var (
		status    domain.JobStatus
		subStatus subsystem.Status
		subMsg    string
		errMsg    string
	)
	switch {
	case errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil):
		status, subStatus, subMsg = domain.JobStatusCancelled, subsystem.StatusCancelled, "Cancelled"
		errMsg = domain.MsgCancelledByUser
		if !p.Running() {
			errMsg = domain.MsgCancelledOnShutdown
		}
	case err != nil:
		status, subStatus = domain.JobStatusError, subsystem.StatusError
		errMsg = err.Error()
		subMsg = "Error: " + errMsg
	case ok:
		status, subStatus, subMsg = domain.JobStatusCompleted, subsystem.StatusSuccess, "Completed"
	default:
		status, subStatus, subMsg = domain.JobStatusError, subsystem.StatusError, "Execution error"
	}

	finished, upErr := p.store.FinishRunning(bg, job.ID, status, errMsg)
	if upErr != nil {
		logger.Error("Failed to update job status",
			slog.String("status", string(status)),
			slog.Any("error", upErr),
		)
		return
	}
	settled = true
	if !finished {
		// The reaper or a cancel request recorded the outcome first.
		logger.Warn("Job was settled before its outcome was recorded",
			slog.String("status", string(status)),
		)
		return
	}

	// Step 4: Update subsystem statuses and announce completion
	progress := 0
	if subStatus == subsystem.StatusSuccess {
		progress = 100
	}
	for _, id := range systems {
		p.setSubsystem(bg, id, subStatus, progress, subMsg)
	}

	p.events.BroadcastJobComplete(bg, events.JobCompletePayload{
		JobID:           job.ID,
		Status:          string(status),
		DurationSeconds: duration,
	})

	logger.Info("Job finished",
		slog.String("status", string(status)),
		slog.Float64("duration_seconds", duration),
	)
}

// execute calls the executor and turns a panic into an error
func (p *Pool) execute(ctx context.Context, exec Executor, params domain.Params, logFn executor.LogFunc) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, params, logFn)
}

func (p *Pool) setSubsystem(ctx context.Context, id string, status subsystem.Status, progress int, message string) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return
	}
	if p.statuses != nil {
		p.statuses.UpdateStatus(id, status, progress, message)
	}
	p.events.BroadcastStatus(ctx, events.StatusPayload{
		SubsystemID: id,
		Status:      string(status),
		Progress:    progress,
		Message:     message,
	})
}
