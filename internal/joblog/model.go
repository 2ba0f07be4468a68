// Package joblog keeps a PostgreSQL ledger of every pipeline job's lifecycle.
package joblog

import (
	"errors"
	"time"
)

// Job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusActive    = "ACTIVE"
	JobStatusRetrying  = "RETRYING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// ErrJobNotFound is returned when a job cannot be found in the ledger
var ErrJobNotFound = errors.New("job not found")

// JobRecord is one row of the ledger
type JobRecord struct {
	JobID        string     `db:"job_id"`
	QueueName    string     `db:"queue_name"`
	JobName      string     `db:"job_name"`
	SessionID    string     `db:"session_id"`
	Status       string     `db:"status"`
	AttemptsMade int        `db:"attempts_made"`
	MaxAttempts  int        `db:"max_attempts"`
	ErrorMessage string     `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

// IsValidStatus reports whether s is a known job status
func IsValidStatus(s string) bool {
	switch s {
	case JobStatusPending, JobStatusActive, JobStatusRetrying, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}
