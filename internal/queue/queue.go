// Package queue builds named job queues with attempts, backoff and a failed state on top of a RabbitMQ broker.
//
// Each queue q holds ready jobs and dead-letters rejects to q.failed, which keeps jobs that ran out of
// attempts. Jobs waiting out a backoff sit in q.retry.<ms>, one holding queue per delay, and flow back to q
// when their TTL expires.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the subset of the RabbitMQ client used by queues and workers
type Broker interface {
	DeclareJobQueue(name string) error
	DeclareRetryQueue(queue string, delay time.Duration) (string, error)
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
	Consume(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Queue is a handle for producing jobs onto one named queue
type Queue struct {
	name      string
	broker    Broker
	logger    *slog.Logger
	listeners []EventListener
}

// New declares the queue topology and returns a producer handle
func New(name string, broker Broker, logger *slog.Logger, listeners ...EventListener) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if err := broker.DeclareJobQueue(name); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	return &Queue{
		name:      name,
		broker:    broker,
		logger:    logger.With(slog.String("queue", name)),
		listeners: listeners,
	}, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Enqueue publishes a new job carrying payload and returns its id
func (q *Queue) Enqueue(ctx context.Context, jobName string, payload any, opts Options) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Name:        jobName,
		Data:        data,
		MaxAttempts: maxAttempts,
		Backoff:     opts.Backoff,
		Timestamp:   time.Now().UnixMilli(),
	}

	if err := publishJob(ctx, q.broker, q.name, job); err != nil {
		q.logger.Error("Failed to enqueue job",
			slog.String("job_name", jobName),
			slog.Any("error", err),
		)
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_name", jobName),
		slog.Int("max_attempts", maxAttempts),
	)

	notifyEnqueued(ctx, q.listeners, job)

	return job.ID, nil
}

// publishJob encodes the job envelope and publishes it under routingKey
func publishJob(ctx context.Context, broker Broker, routingKey string, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	return broker.Publish(ctx, routingKey, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   job.ID,
		Type:        job.Name,
		Body:        body,
	})
}
