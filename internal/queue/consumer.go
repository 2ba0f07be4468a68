package queue

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// startMessageDispatcher listens to broker deliveries and dispatches jobs to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Info("Message dispatcher stopped - delivery channel closed")
				return
			}

			job, err := DecodeJob(delivery.Body)
			if err != nil {
				w.logger.Error("Failed to decode job envelope",
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
					slog.Any("error", err),
				)
				// rejected without requeue: the queue dead-letters it to the failed queue
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &jobMessage{job: job, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", job.ID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("job_id", job.ID),
						slog.Any("error", nackErr),
					)
				}
				return
			}
		}
	}
}
