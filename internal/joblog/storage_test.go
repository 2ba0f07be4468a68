package joblog

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ledgerColumns = []string{
	"job_id", "queue_name", "job_name", "session_id", "status",
	"attempts_made", "max_attempts", "error_message",
	"created_at", "updated_at", "completed_at",
}

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStorage(sqlx.NewDb(db, "postgres")), mock
}

func TestStorage_EnsureSchema(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pipeline_jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UpsertJob(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Now()
	rec := &JobRecord{
		JobID:       "job-1",
		QueueName:   "image-metadata",
		JobName:     "process-image",
		SessionID:   "s1",
		Status:      JobStatusPending,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pipeline_jobs")).
		WithArgs("job-1", "image-metadata", "process-image", "s1", JobStatusPending, 0, 3, "", now, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpsertJob(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UpsertJob_StaleEventsKeepRow(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		rec  *JobRecord
	}{
		{
			name: "late pending after active",
			rec:  &JobRecord{JobID: "job-1", Status: JobStatusPending, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now},
		},
		{
			name: "active after completed",
			rec:  &JobRecord{JobID: "job-1", Status: JobStatusActive, AttemptsMade: 1, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)

			// the guard rejects the update so no row is affected
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pipeline_jobs") +
				`(.|\n)*ON CONFLICT \(job_id\) DO UPDATE SET` +
				`(.|\n)*WHERE pipeline_jobs\.status NOT IN \('COMPLETED', 'FAILED'\)` +
				`\s+AND EXCLUDED\.status <> 'PENDING'` +
				`\s+AND EXCLUDED\.attempts_made >= pipeline_jobs\.attempts_made`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			require.NoError(t, s.UpsertJob(context.Background(), tt.rec))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_GetJobByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s, mock := newMockStorage(t)
		now := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta("FROM pipeline_jobs")).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows(ledgerColumns).
				AddRow("job-1", "q", "n", "s1", JobStatusFailed, 3, 3, "boom", now, now, now))

		job, err := s.GetJobByID(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, JobStatusFailed, job.Status)
		assert.Equal(t, "boom", job.ErrorMessage)
		require.NotNil(t, job.CompletedAt)
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM pipeline_jobs")).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := s.GetJobByID(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestStorage_ListJobs(t *testing.T) {
	s, mock := newMockStorage(t)
	cursorTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(
		"AND queue_name = $1 AND status = $2 AND session_id = $3 AND (created_at, job_id) < ($4, $5) ORDER BY created_at DESC, job_id DESC LIMIT $6",
	)).
		WithArgs("image-metadata", JobStatusFailed, "s1", cursorTime, "job-9", 11).
		WillReturnRows(sqlmock.NewRows(ledgerColumns).
			AddRow("job-8", "image-metadata", "process-image", "s1", JobStatusFailed, 3, 3, "boom", cursorTime, cursorTime, nil))

	jobs, err := s.ListJobs(context.Background(), JobFilter{
		Queue:     "image-metadata",
		Status:    JobStatusFailed,
		SessionID: "s1",
		PageSize:  10,
		Cursor:    &JobCursor{CreatedAt: cursorTime, JobID: "job-9"},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-8", jobs[0].JobID)
	assert.Nil(t, jobs[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
