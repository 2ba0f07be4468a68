package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// publishTimeout bounds the retry or failed republish of a job after its handler returned
const publishTimeout = 10 * time.Second

// Handler processes one job. Returning nil acknowledges it; a PermanentError sends it
// straight to the failed queue; any other error schedules a retry while attempts remain.
type Handler interface {
	HandleJob(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) HandleJob(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// WorkerConfig holds worker configuration
type WorkerConfig struct {
	Logger      *slog.Logger
	Broker      Broker
	Queue       string
	Handler     Handler
	Concurrency int
	JobTimeout  time.Duration
	WorkerID    string
	Listeners   []EventListener
}

// Worker consumes one queue with a fixed number of concurrent handlers
type Worker struct {
	logger      *slog.Logger
	broker      Broker
	queue       string
	handler     Handler
	concurrency int
	jobTimeout  time.Duration
	workerID    string
	listeners   []EventListener

	jobsChan chan *jobMessage
	wg       sync.WaitGroup

	// procCtx outlives the consumer so in-flight jobs can finish after Start returns
	procCtx    context.Context
	procCancel context.CancelFunc
}

// jobMessage pairs a decoded job with the delivery it arrived on
type jobMessage struct {
	job      *Job
	delivery amqp.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *WorkerConfig) (*Worker, error) {
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name is required")
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s-%s", cfg.Queue, hostname, uuid.NewString()[:8])
	}

	procCtx, procCancel := context.WithCancel(context.Background())

	return &Worker{
		logger:      cfg.Logger.With(slog.String("queue", cfg.Queue)),
		broker:      cfg.Broker,
		queue:       cfg.Queue,
		handler:     cfg.Handler,
		concurrency: concurrency,
		jobTimeout:  cfg.JobTimeout,
		workerID:    workerID,
		listeners:   cfg.Listeners,
		jobsChan:    make(chan *jobMessage),
		procCtx:     procCtx,
		procCancel:  procCancel,
	}, nil
}

// Start consumes the queue until ctx is canceled or the delivery channel closes.
// Jobs already handed to the pool keep running; call Stop to wait for them.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	// prefetch equals concurrency so the broker never hands out more jobs than the pool can run
	deliveries, err := w.broker.Consume(ctx, w.queue, w.workerID, w.concurrency)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.spawnWorkerPool(w.procCtx)
	w.startMessageDispatcher(ctx, deliveries)
	close(w.jobsChan)

	return nil
}

// Stop waits for in-flight jobs to finish once Start has returned. When ctx expires
// first, running handlers are canceled and Stop returns ctx's error once they have unwound.
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.procCancel()
		w.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Worker shutdown timeout exceeded, canceling in-flight jobs")
		w.procCancel()
		<-done
		return ctx.Err()
	}
}
