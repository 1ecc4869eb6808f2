package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/job-engine/internal/domain"
	"github.com/jmoiron/sqlx"
)

// AcquireForSlot atomically claims the oldest pending job for slotID.
// It returns nil, nil when the queue is empty.
func (s *Store) AcquireForSlot(ctx context.Context, slotID int) (*domain.Job, error) {
	var (
		job *domain.Job
		err error
	)
	if s.sqlite {
		job, err = s.acquireSQLite(ctx, slotID)
	} else {
		job, err = s.acquirePostgres(ctx, slotID)
	}
	if err != nil || job == nil {
		return nil, err
	}

	s.logger.Info("Job claimed",
		slog.Int64("job_id", job.ID),
		slog.Int("slot_id", slotID),
		slog.String("job_type", job.Type),
	)
	return job, nil
}

// acquirePostgres locks the head of the queue with SKIP LOCKED so concurrent
// claimers move on to the next row instead of blocking.
func (s *Store) acquirePostgres(ctx context.Context, slotID int) (*domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.GetContext(ctx, &id, tx.Rebind(`
		SELECT id FROM jobs
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`), domain.JobStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending job: %w", err)
	}

	if err := s.markClaimed(ctx, tx, id, slotID); err != nil {
		return nil, err
	}

	job, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// acquireSQLite takes the database write lock up front with BEGIN IMMEDIATE
// on a pinned connection. Nothing in here may use s.db directly: with a single
// pooled connection that would deadlock.
func (s *Store) acquireSQLite(ctx context.Context, slotID int) (job *domain.Job, err error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			s.logger.Error("Failed to roll back claim transaction", slog.Any("error", rbErr))
		}
	}()

	var id int64
	err = conn.GetContext(ctx, &id, `
		SELECT id FROM jobs
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT 1
	`, domain.JobStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending job: %w", err)
	}

	if err := s.markClaimed(ctx, conn, id, slotID); err != nil {
		return nil, err
	}

	job, err = s.get(ctx, conn, id)
	if err != nil {
		return nil, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	committed = true
	return job, nil
}

type execQueryer interface {
	sqlx.ExecerContext
	sqlx.QueryerContext
}

func (s *Store) markClaimed(ctx context.Context, q execQueryer, id int64, slotID int) error {
	now := s.now()
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?, worker_slot = ?, locked_at = ?, started_at = ?
		WHERE id = ?
	`)

	if _, err := q.ExecContext(ctx, query, domain.JobStatusRunning, slotID, now, now, id); err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	return nil
}

// AvailableSlot returns the lowest slot index in [0, maxSlots) not bound to
// a running job
func (s *Store) AvailableSlot(ctx context.Context, maxSlots int) (int, bool, error) {
	var used []int
	query := s.db.Rebind(`SELECT worker_slot FROM jobs WHERE status = ? AND worker_slot IS NOT NULL`)
	if err := s.db.SelectContext(ctx, &used, query, domain.JobStatusRunning); err != nil {
		return 0, false, fmt.Errorf("failed to load used slots: %w", err)
	}

	taken := make(map[int]struct{}, len(used))
	for _, slot := range used {
		taken[slot] = struct{}{}
	}
	for slot := 0; slot < maxSlots; slot++ {
		if _, ok := taken[slot]; !ok {
			return slot, true, nil
		}
	}
	return 0, false, nil
}

// SlotStatus lists occupied slots ordered by slot index
func (s *Store) SlotStatus(ctx context.Context) ([]domain.SlotOccupancy, error) {
	query := s.db.Rebind(`
		SELECT worker_slot, id, started_at, locked_at
		FROM jobs
		WHERE status = ? AND worker_slot IS NOT NULL
		ORDER BY worker_slot
	`)

	slots := []domain.SlotOccupancy{}
	if err := s.db.SelectContext(ctx, &slots, query, domain.JobStatusRunning); err != nil {
		return nil, fmt.Errorf("failed to load slot status: %w", err)
	}
	return slots, nil
}
