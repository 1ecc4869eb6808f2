package jobstore

import (
	"context"
	"fmt"
	"log/slog"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            BIGSERIAL PRIMARY KEY,
		type          TEXT        NOT NULL,
		params        JSONB       NOT NULL DEFAULT '{}'::jsonb,
		status        TEXT        NOT NULL DEFAULT 'pending',
		logs          TEXT        NOT NULL DEFAULT '',
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		finished_at   TIMESTAMPTZ,
		worker_slot   INTEGER,
		locked_at     TIMESTAMPTZ,
		CONSTRAINT jobs_lock_pair CHECK ((worker_slot IS NULL) = (locked_at IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_slot ON jobs (status, worker_slot)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		type          TEXT      NOT NULL,
		params        TEXT      NOT NULL DEFAULT '{}',
		status        TEXT      NOT NULL DEFAULT 'pending',
		logs          TEXT      NOT NULL DEFAULT '',
		error_message TEXT,
		created_at    TIMESTAMP NOT NULL,
		started_at    TIMESTAMP,
		finished_at   TIMESTAMP,
		worker_slot   INTEGER,
		locked_at     TIMESTAMP,
		CHECK ((worker_slot IS NULL) = (locked_at IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_slot ON jobs (status, worker_slot)`,
}

// Migrate creates the jobs table and its indexes when missing
func (s *Store) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.sqlite {
		stmts = sqliteSchema
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate jobs schema: %w", err)
		}
	}

	s.logger.Info("Jobs schema ready", slog.String("driver", s.db.DriverName()))
	return nil
}
