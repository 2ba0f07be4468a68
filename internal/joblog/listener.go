package joblog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/queue"
)

// Recorder persists ledger rows
type Recorder interface {
	UpsertJob(ctx context.Context, job *JobRecord) error
}

// Listener records queue lifecycle events in the ledger
type Listener struct {
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewListener creates a ledger-backed queue.EventListener
func NewListener(recorder Recorder, logger *slog.Logger) *Listener {
	return &Listener{
		recorder: recorder,
		logger:   logger.With(slog.String("component", "joblog")),
		now:      time.Now,
	}
}

func (l *Listener) OnEnqueued(ctx context.Context, job *queue.Job) {
	l.record(ctx, job, JobStatusPending, "")
}

func (l *Listener) OnActive(ctx context.Context, job *queue.Job) {
	l.record(ctx, job, JobStatusActive, "")
}

func (l *Listener) OnCompleted(ctx context.Context, job *queue.Job) {
	l.record(ctx, job, JobStatusCompleted, "")
}

func (l *Listener) OnFailed(ctx context.Context, job *queue.Job, err error, final bool) {
	status := JobStatusRetrying
	if final {
		status = JobStatusFailed
	}
	l.record(ctx, job, status, err.Error())
}

func (l *Listener) record(ctx context.Context, job *queue.Job, status, errMsg string) {
	now := l.now()

	createdAt := now
	if job.Timestamp > 0 {
		createdAt = time.UnixMilli(job.Timestamp)
	}

	rec := &JobRecord{
		JobID:        job.ID,
		QueueName:    job.Queue,
		JobName:      job.Name,
		SessionID:    sessionIDOf(job),
		Status:       status,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		ErrorMessage: errMsg,
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	}
	if status == JobStatusCompleted || status == JobStatusFailed {
		rec.CompletedAt = &now
	}

	if err := l.recorder.UpsertJob(ctx, rec); err != nil {
		l.logger.Error("Failed to record job status",
			slog.String("job_id", job.ID),
			slog.String("status", status),
			slog.Any("error", err),
		)
	}
}

// sessionIDOf extracts the session id every pipeline payload carries
func sessionIDOf(job *queue.Job) string {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return ""
	}
	return p.SessionID
}
