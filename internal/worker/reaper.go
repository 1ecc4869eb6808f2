package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/job-engine/internal/domain"
	"github.com/cuongbtq/job-engine/internal/events"
)

// reap periodically fails running jobs whose slot lock is older than the
// slot timeout. It covers jobs orphaned by a crashed instance as well as
// local jobs that ran too long.
func (p *Pool) reap(ctx context.Context) {
	defer p.loops.Done()

	p.logger.Info("Stale job reaper started", slog.Duration("interval", p.cleanupInterval))
	for sleepCtx(ctx, p.cleanupInterval) {
		p.reapOnce(ctx)
	}
	p.logger.Info("Stale job reaper stopped")
}

func (p *Pool) reapOnce(ctx context.Context) {
	ids, err := p.store.CleanupStale(ctx, p.slotTimeout)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Failed to clean up stale jobs", slog.Any("error", err))
		}
		return
	}

	for _, id := range ids {
		p.abandon(id)
		p.events.BroadcastJobComplete(ctx, events.JobCompletePayload{
			JobID:  id,
			Status: string(domain.JobStatusError),
		})
	}
}

// abandon stops a local slot still running a job the reaper has failed
func (p *Pool) abandon(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if s.status == SlotRunning && s.jobID == id {
			s.reaped = true
			s.stop()
			p.logger.Warn("Stopping stale job on local slot",
				slog.Int64("job_id", id),
				slog.Int("slot_id", s.id),
			)
			return
		}
	}
}
