package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/face-pipeline/shared/rabbitmq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine. It runs until
// the jobs channel is closed so that dispatched jobs are never abandoned.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for msg := range w.jobsChan {
		w.processJob(ctx, msg)
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// processJob runs the handler for one delivery and settles it
func (w *Worker) processJob(ctx context.Context, msg *jobMessage) {
	job := msg.job

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.Int("attempts_made", job.AttemptsMade),
	)
	notifyActive(ctx, w.listeners, job)

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := w.handler.HandleJob(jobCtx, job)
	attrs := metric.WithAttributes(
		attribute.String("queue", w.queue),
		attribute.String("job_name", job.Name),
	)
	jobDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err == nil {
		if ackErr := msg.delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("job_id", job.ID),
				slog.Any("error", ackErr),
			)
			return
		}
		jobsCompleted.Add(ctx, 1, attrs)
		notifyCompleted(ctx, w.listeners, job)
		return
	}

	// a handler cut short by Stop has not really attempted the job
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		w.logger.Warn("Job interrupted by shutdown, requeueing",
			slog.String("job_id", job.ID),
			slog.String("job_name", job.Name),
		)
		if nackErr := msg.delivery.Nack(false, true); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("job_id", job.ID),
				slog.Any("error", nackErr),
			)
		}
		return
	}

	w.logger.Error("Job processing failed",
		slog.String("job_id", job.ID),
		slog.String("job_name", job.Name),
		slog.Any("error", err),
	)
	w.handleFailure(ctx, msg, err, attrs)
}

// handleFailure republishes a failed job to the retry queue for its backoff delay, or to the failed queue when
// the error is permanent or attempts are exhausted, then acknowledges the original delivery.
// When the republish itself fails the delivery is requeued untouched.
func (w *Worker) handleFailure(ctx context.Context, msg *jobMessage, cause error, attrs metric.MeasurementOption) {
	next := *msg.job
	next.AttemptsMade++
	next.FailedReason = cause.Error()

	final := IsPermanent(cause) || next.AttemptsMade >= next.MaxAttempts

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	var err error
	if final {
		err = publishJob(pubCtx, w.broker, w.queue+rabbitmq.FailedSuffix, &next)
	} else {
		delay := next.Backoff.DelayFor(next.AttemptsMade)
		var retryQueue string
		retryQueue, err = w.broker.DeclareRetryQueue(w.queue, delay)
		if err == nil {
			err = publishJob(pubCtx, w.broker, retryQueue, &next)
		}
		if err == nil {
			w.logger.Info("Job scheduled for retry",
				slog.String("job_id", next.ID),
				slog.Int("attempts_made", next.AttemptsMade),
				slog.Int("max_attempts", next.MaxAttempts),
				slog.Duration("delay", delay),
			)
		}
	}

	if err != nil {
		w.logger.Error("Failed to republish failed job, requeueing delivery",
			slog.String("job_id", next.ID),
			slog.Bool("final", final),
			slog.Any("error", err),
		)
		if nackErr := msg.delivery.Nack(false, true); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("job_id", next.ID),
				slog.Any("error", nackErr),
			)
		}
		return
	}

	if ackErr := msg.delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", next.ID),
			slog.Any("error", ackErr),
		)
	}

	if final {
		jobsFailed.Add(ctx, 1, attrs)
	} else {
		jobsRetried.Add(ctx, 1, attrs)
	}
	notifyFailed(ctx, w.listeners, &next, cause, final)
}
