package queue

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	jobsCompleted metric.Int64Counter
	jobsRetried   metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobDuration   metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/cuongbtq/face-pipeline/internal/queue")

	var err error
	jobsCompleted, err = meter.Int64Counter(
		"pipeline.queue.jobs.completed",
		metric.WithDescription("Number of jobs handled successfully"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create jobs.completed counter: %w", err))
	}

	jobsRetried, err = meter.Int64Counter(
		"pipeline.queue.jobs.retried",
		metric.WithDescription("Number of failed attempts scheduled for retry"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create jobs.retried counter: %w", err))
	}

	jobsFailed, err = meter.Int64Counter(
		"pipeline.queue.jobs.failed",
		metric.WithDescription("Number of jobs moved to the failed queue"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create jobs.failed counter: %w", err))
	}

	jobDuration, err = meter.Float64Histogram(
		"pipeline.queue.job.duration",
		metric.WithDescription("Handler execution time per attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create job.duration histogram: %w", err))
	}
}
