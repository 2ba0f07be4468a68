package queue

import (
	"context"
	"log/slog"
)

// EventListener observes the job lifecycle. Listeners never affect control flow;
// implementations handle and log their own errors.
type EventListener interface {
	OnEnqueued(ctx context.Context, job *Job)
	OnActive(ctx context.Context, job *Job)
	OnCompleted(ctx context.Context, job *Job)
	OnFailed(ctx context.Context, job *Job, err error, final bool)
}

// LogListener writes one log line per lifecycle event
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener creates a listener logging to logger
func NewLogListener(logger *slog.Logger) *LogListener {
	return &LogListener{logger: logger}
}

func (l *LogListener) OnEnqueued(ctx context.Context, job *Job) {
	l.logger.Debug("Job waiting",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
	)
}

func (l *LogListener) OnActive(ctx context.Context, job *Job) {
	l.logger.Debug("Job active",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.Int("attempts_made", job.AttemptsMade),
	)
}

func (l *LogListener) OnCompleted(ctx context.Context, job *Job) {
	l.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
	)
}

func (l *LogListener) OnFailed(ctx context.Context, job *Job, err error, final bool) {
	if final {
		l.logger.Error("Job failed",
			slog.String("job_id", job.ID),
			slog.String("job_name", job.Name),
			slog.Int("attempts_made", job.AttemptsMade),
			slog.Any("error", err),
		)
		return
	}
	l.logger.Warn("Job attempt failed, will retry",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.Int("attempts_made", job.AttemptsMade),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Any("error", err),
	)
}

func notifyEnqueued(ctx context.Context, listeners []EventListener, job *Job) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range listeners {
		l.OnEnqueued(ctx, job)
	}
}

func notifyActive(ctx context.Context, listeners []EventListener, job *Job) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range listeners {
		l.OnActive(ctx, job)
	}
}

func notifyCompleted(ctx context.Context, listeners []EventListener, job *Job) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range listeners {
		l.OnCompleted(ctx, job)
	}
}

func notifyFailed(ctx context.Context, listeners []EventListener, job *Job, err error, final bool) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range listeners {
		l.OnFailed(ctx, job, err, final)
	}
}
