package joblog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
	CREATE TABLE IF NOT EXISTS pipeline_jobs (
		job_id        TEXT PRIMARY KEY,
		queue_name    TEXT NOT NULL,
		job_name      TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		attempts_made INTEGER NOT NULL DEFAULT 0,
		max_attempts  INTEGER NOT NULL DEFAULT 1,
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		completed_at  TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_created ON pipeline_jobs (created_at DESC, job_id DESC);
	CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_session ON pipeline_jobs (session_id);
	CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_status ON pipeline_jobs (status);
`

// Storage reads and writes ledger rows
type Storage struct {
	db *sqlx.DB
}

// NewStorage creates ledger storage on db
func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// EnsureSchema creates the ledger table and indexes when missing
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create job ledger schema: %w", err)
	}
	return nil
}

// UpsertJob inserts the row or moves an existing row to the record's state.
// created_at and session_id keep their first recorded values. Events can land out of
// order, so an existing row never leaves a terminal status, never goes back to
// PENDING and never loses attempts; such stale writes are dropped silently.
func (s *Storage) UpsertJob(ctx context.Context, job *JobRecord) error {
	query := `
		INSERT INTO pipeline_jobs (
			job_id, queue_name, job_name, session_id, status,
			attempts_made, max_attempts, error_message,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts_made = EXCLUDED.attempts_made,
			max_attempts = EXCLUDED.max_attempts,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at,
			completed_at = COALESCE(EXCLUDED.completed_at, pipeline_jobs.completed_at)
		WHERE pipeline_jobs.status NOT IN ('COMPLETED', 'FAILED')
			AND EXCLUDED.status <> 'PENDING'
			AND EXCLUDED.attempts_made >= pipeline_jobs.attempts_made
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.QueueName,
		job.JobName,
		job.SessionID,
		job.Status,
		job.AttemptsMade,
		job.MaxAttempts,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	var job JobRecord
	query := `
		SELECT
			job_id, queue_name, job_name, session_id, status,
			attempts_made, max_attempts, error_message,
			created_at, updated_at, completed_at
		FROM pipeline_jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	Queue     string
	JobName   string
	Status    string
	SessionID string
	PageSize  int
	Cursor    *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 rows newest first; the extra row signals another page
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error) {
	query := `
		SELECT
			job_id, queue_name, job_name, session_id, status,
			attempts_made, max_attempts, error_message,
			created_at, updated_at, completed_at
		FROM pipeline_jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Queue != "" {
		query += fmt.Sprintf(" AND queue_name = $%d", argIdx)
		args = append(args, filter.Queue)
		argIdx++
	}

	if filter.JobName != "" {
		query += fmt.Sprintf(" AND job_name = $%d", argIdx)
		args = append(args, filter.JobName)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []JobRecord
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
