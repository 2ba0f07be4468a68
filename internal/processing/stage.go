// Package processing implements the image processing stage: it turns an upload batch
// into face encodings stored in the content store and hands the results to aggregation.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/encoder"
	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"github.com/cuongbtq/face-pipeline/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

var batchElapsed metric.Float64Histogram

func init() {
	meter := otel.Meter("github.com/cuongbtq/face-pipeline/internal/processing")

	var err error
	batchElapsed, err = meter.Float64Histogram(
		"pipeline.processing.batch.elapsed",
		metric.WithDescription("Time from upload to encoded batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create batch.elapsed histogram: %w", err))
	}
}

// ContentStore reads images and writes encodings documents
type ContentStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Encoder extracts face encodings from an image
type Encoder interface {
	Encode(ctx context.Context, filename string, image []byte) ([][]float64, error)
}

// Enqueuer produces jobs onto the next queue
type Enqueuer interface {
	Enqueue(ctx context.Context, jobName string, payload any, opts queue.Options) (string, error)
}

// Config holds stage dependencies and settings
type Config struct {
	Logger            *slog.Logger
	Store             ContentStore
	Encoder           Encoder
	SummaryQueue      Enqueuer
	JobNames          pipeline.JobNames
	SummaryJobOptions queue.Options
	// MaxParallelImages bounds per-batch fan-out; zero means unbounded
	MaxParallelImages int
}

// Stage handles image batch jobs
type Stage struct {
	logger       *slog.Logger
	store        ContentStore
	encoder      Encoder
	summaryQueue Enqueuer
	names        pipeline.JobNames
	summaryOpts  queue.Options
	maxParallel  int
	now          func() time.Time
}

// NewStage creates the image processing stage
func NewStage(cfg *Config) *Stage {
	return &Stage{
		logger:       cfg.Logger.With(slog.String("component", "processing")),
		store:        cfg.Store,
		encoder:      cfg.Encoder,
		summaryQueue: cfg.SummaryQueue,
		names:        cfg.JobNames,
		summaryOpts:  cfg.SummaryJobOptions,
		maxParallel:  cfg.MaxParallelImages,
		now:          time.Now,
	}
}

// HandleJob implements queue.Handler
func (s *Stage) HandleJob(ctx context.Context, job *queue.Job) error {
	msg, err := s.names.DecodeOwned(job, s.names.ImageBatch)
	if err != nil {
		s.logger.Error("Invalid image batch job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return err
	}

	switch m := msg.(type) {
	case pipeline.ImageBatch:
		return s.Process(ctx, job.ID, &m.Payload)
	case pipeline.SessionSummary:
		s.logger.Debug("Ignoring session summary job",
			slog.String("job_id", job.ID),
		)
		return nil
	case pipeline.Unknown:
		s.logger.Debug("Ignoring job with foreign name",
			slog.String("job_id", job.ID),
			slog.String("job_name", m.Name),
		)
		return nil
	default:
		return queue.Permanent(fmt.Errorf("unhandled message type %T", msg))
	}
}

// Process encodes every image of the batch and enqueues one summary job.
// Any download, encode or upload failure aborts the batch without enqueuing.
func (s *Stage) Process(ctx context.Context, jobID string, batch *pipeline.ImageBatchPayload) error {
	logger := s.logger.With(
		slog.String("job_id", jobID),
		slog.String("session_id", batch.SessionID),
	)
	logger.Info("Processing image batch",
		slog.Int("images", len(batch.Metadata)),
	)

	images, err := s.downloadAll(ctx, batch.Metadata)
	if err != nil {
		logger.Error("Failed to download images", slog.Any("error", err))
		return err
	}

	encodings, err := s.encodeAll(ctx, batch.Metadata, images)
	if err != nil {
		logger.Error("Failed to encode images", slog.Any("error", err))
		return err
	}

	results, err := s.storeAll(ctx, batch.SessionID, batch.Metadata, encodings)
	if err != nil {
		logger.Error("Failed to store encodings", slog.Any("error", err))
		return err
	}

	summary := pipeline.SessionSummaryPayload{
		SessionID:      batch.SessionID,
		ImagesMetadata: results,
	}
	summaryJobID, err := s.summaryQueue.Enqueue(ctx, s.names.SessionSummary, summary, s.summaryOpts)
	if err != nil {
		logger.Error("Failed to enqueue session summary", slog.Any("error", err))
		return fmt.Errorf("failed to enqueue session summary: %w", err)
	}

	elapsed := s.elapsedSince(batch.StartTime)
	batchElapsed.Record(ctx, elapsed.Seconds())
	logger.Info("Image batch processed",
		slog.String("summary_job_id", summaryJobID),
		slog.Int("images", len(results)),
		slog.Duration("elapsed", elapsed),
	)

	return nil
}

func (s *Stage) downloadAll(ctx context.Context, metadata []pipeline.ImageMetadata) ([][]byte, error) {
	images := make([][]byte, len(metadata))

	g, gctx := errgroup.WithContext(ctx)
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, m := range metadata {
		g.Go(func() error {
			body, err := s.store.Get(gctx, m.ImageURL)
			if err != nil {
				return fmt.Errorf("failed to download image %s: %w", m.ImageID, err)
			}
			images[i] = body
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (s *Stage) encodeAll(ctx context.Context, metadata []pipeline.ImageMetadata, images [][]byte) ([][][]float64, error) {
	encodings := make([][][]float64, len(metadata))

	g, gctx := errgroup.WithContext(ctx)
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, m := range metadata {
		g.Go(func() error {
			faces, err := s.encoder.Encode(gctx, m.Filename, images[i])
			if err != nil {
				err = fmt.Errorf("failed to encode image %s: %w", m.ImageID, err)
				if errors.Is(err, encoder.ErrImageRejected) {
					return queue.Permanent(err)
				}
				return err
			}
			encodings[i] = faces
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return encodings, nil
}

// storeAll uploads the first encoding of every image with a face and returns the
// results in input order. Images without a face get an empty key and no upload.
func (s *Stage) storeAll(ctx context.Context, sessionID string, metadata []pipeline.ImageMetadata, encodings [][][]float64) ([]pipeline.EncodedImageResult, error) {
	results := make([]pipeline.EncodedImageResult, len(metadata))

	g, gctx := errgroup.WithContext(ctx)
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, m := range metadata {
		results[i] = pipeline.EncodedImageResult{
			ImageID:  m.ImageID,
			Filename: m.Filename,
		}
		if len(encodings[i]) == 0 {
			continue
		}

		g.Go(func() error {
			body, err := json.Marshal(pipeline.EncodingsDocument{Encodings: encodings[i][0]})
			if err != nil {
				return fmt.Errorf("failed to marshal encodings for image %s: %w", m.ImageID, err)
			}

			key := pipeline.EncodingKey(sessionID, m.ImageID)
			if err := s.store.Put(gctx, key, body, "application/json"); err != nil {
				return fmt.Errorf("failed to upload encodings for image %s: %w", m.ImageID, err)
			}
			results[i].EncodingFileKey = key
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Stage) elapsedSince(startMillis int64) time.Duration {
	if startMillis <= 0 {
		return 0
	}
	return s.now().Sub(time.UnixMilli(startMillis))
}
