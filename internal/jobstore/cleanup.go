package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-engine/internal/domain"
)

// CleanupStale fails every running job whose lock is older than timeout and
// frees its slot. It returns the ids of the jobs it reclaimed.
func (s *Store) CleanupStale(ctx context.Context, timeout time.Duration) ([]int64, error) {
	now := s.now()
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?, error_message = ?, finished_at = ?, worker_slot = NULL, locked_at = NULL
		WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?
		RETURNING id
	`)

	ids := []int64{}
	err := s.db.SelectContext(ctx, &ids, query,
		domain.JobStatusError,
		domain.MsgStaleTimeout,
		now,
		domain.JobStatusRunning,
		now.Add(-timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to clean up stale jobs: %w", err)
	}

	if len(ids) > 0 {
		s.logger.Warn("Stale jobs reclaimed",
			slog.Int("count", len(ids)),
			slog.Any("job_ids", ids),
			slog.Duration("timeout", timeout),
		)
	}
	return ids, nil
}
