// Package jobstore persists jobs and arbitrates which worker slot runs which
// job. All claims go through a single exclusive write transaction so two
// slots, in this process or another, never run the same job.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/job-engine/internal/domain"
	"github.com/jmoiron/sqlx"
)

// ErrJobNotFound is returned when a job id does not exist
var ErrJobNotFound = domain.ErrJobNotFound

const jobColumns = `id, type, params, status, logs, error_message, created_at,
	started_at, finished_at, worker_slot, locked_at`

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store handles all job persistence
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	clock  func() time.Time
	sqlite bool
}

// Option customizes a Store
type Option func(*Store)

// WithClock overrides the time source used for every timestamp the store writes
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates a Store on top of an open sqlx database. The dialect is taken
// from the driver name.
func New(db *sqlx.DB, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: logger,
		clock:  time.Now,
		sqlite: strings.HasPrefix(db.DriverName(), "sqlite"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// Add inserts a pending job and returns its id
func (s *Store) Add(ctx context.Context, jobType string, params domain.Params) (int64, error) {
	if params == nil {
		params = domain.Params{}
	}

	query := s.db.Rebind(`
		INSERT INTO jobs (type, params, status, logs, created_at)
		VALUES (?, ?, ?, '', ?)
		RETURNING id
	`)

	var id int64
	if err := s.db.QueryRowxContext(ctx, query, jobType, params, domain.JobStatusPending, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to add job: %w", err)
	}

	s.logger.Debug("Job added",
		slog.Int64("job_id", id),
		slog.String("job_type", jobType),
	)

	return id, nil
}

// Get retrieves a job by id
func (s *Store) Get(ctx context.Context, id int64) (*domain.Job, error) {
	return s.get(ctx, s.db, id)
}

func (s *Store) get(ctx context.Context, q sqlx.QueryerContext, id int64) (*domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	var job domain.Job
	if err := sqlx.GetContext(ctx, q, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List returns jobs newest first
func (s *Store) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where string
		args  []any
	)
	if filter.Status != "" {
		where = "WHERE status = ?"
		args = append(args, filter.Status)
	}
	args = append(args, limit, offset)

	query := s.db.Rebind(fmt.Sprintf(`
		SELECT %s FROM jobs %s
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, jobColumns, where))

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Release clears the slot binding of a job. Status is left untouched.
func (s *Store) Release(ctx context.Context, id int64) error {
	query := s.db.Rebind(`UPDATE jobs SET worker_slot = NULL, locked_at = NULL WHERE id = ?`)

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// UpdateStatus moves a job to status. Terminal states record finished_at and
// errMsg; running records started_at.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status domain.JobStatus, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}

	var (
		query string
		args  []any
	)
	switch {
	case status.IsTerminal():
		query = `UPDATE jobs SET status = ?, finished_at = ?, error_message = ? WHERE id = ?`
		args = []any{status, s.now(), nullString(errMsg), id}
	case status == domain.JobStatusRunning:
		query = `UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`
		args = []any{status, s.now(), id}
	default:
		query = `UPDATE jobs SET status = ? WHERE id = ?`
		args = []any{status, id}
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}

	s.logger.Debug("Job status updated",
		slog.Int64("job_id", id),
		slog.String("status", string(status)),
	)
	return nil
}

// FinishRunning moves a running job to a terminal status and clears its slot
// lock in one statement. It reports false when the job was no longer running,
// e.g. because the reaper or a cancel request settled it first.
func (s *Store) FinishRunning(ctx context.Context, id int64, status domain.JobStatus, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %q is not terminal", domain.ErrInvalidStatus, status)
	}

	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?, finished_at = ?, error_message = ?, worker_slot = NULL, locked_at = NULL
		WHERE id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		status, s.now(), nullString(errMsg), id, domain.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n == 1 {
		s.logger.Debug("Job finished",
			slog.Int64("job_id", id),
			slog.String("status", string(status)),
		)
	}
	return n == 1, nil
}

// CancelPending cancels a job only if it has not been claimed yet. It reports
// whether the job was cancelled.
func (s *Store) CancelPending(ctx context.Context, id int64, reason string) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs SET status = ?, finished_at = ?, error_message = ?
		WHERE id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.JobStatusCancelled, s.now(), nullString(reason), id, domain.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to cancel pending job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// AppendLog appends one line to the job log
func (s *Store) AppendLog(ctx context.Context, id int64, line string) error {
	query := s.db.Rebind(`UPDATE jobs SET logs = logs || ? WHERE id = ?`)

	if _, err := s.db.ExecContext(ctx, query, line+"\n", id); err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

// RunningCount returns the number of running jobs
func (s *Store) RunningCount(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, domain.JobStatusRunning)
}

// PendingCount returns the number of queued jobs
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, domain.JobStatusPending)
}

// CompletedSince returns the number of jobs completed within window
func (s *Store) CompletedSince(ctx context.Context, window time.Duration) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ? AND finished_at > ?`,
		domain.JobStatusCompleted, s.now().Add(-window))
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
