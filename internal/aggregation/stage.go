// Package aggregation implements the session aggregation stage, merging encoding
// results into the session record.
package aggregation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"github.com/cuongbtq/face-pipeline/internal/queue"
	"github.com/cuongbtq/face-pipeline/internal/session"
)

// Invalidator drops cached read models of a session
type Invalidator interface {
	Invalidate(ctx context.Context, sessionID string) error
}

// Stage handles session summary jobs
type Stage struct {
	logger *slog.Logger
	store  session.Store
	cache  Invalidator
	names  pipeline.JobNames
}

// NewStage creates the aggregation stage. cache may be nil.
func NewStage(store session.Store, cache Invalidator, names pipeline.JobNames, logger *slog.Logger) *Stage {
	return &Stage{
		logger: logger.With(slog.String("component", "aggregation")),
		store:  store,
		cache:  cache,
		names:  names,
	}
}

// HandleJob implements queue.Handler
func (s *Stage) HandleJob(ctx context.Context, job *queue.Job) error {
	msg, err := s.names.DecodeOwned(job, s.names.SessionSummary)
	if err != nil {
		s.logger.Error("Invalid session summary job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return err
	}

	switch m := msg.(type) {
	case pipeline.SessionSummary:
		return s.Merge(ctx, job.ID, &m.Payload)
	case pipeline.ImageBatch:
		s.logger.Debug("Ignoring image batch job",
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

// Merge records the summary's results on the session. Redelivering the same summary is a no-op.
func (s *Stage) Merge(ctx context.Context, jobID string, summary *pipeline.SessionSummaryPayload) error {
	logger := s.logger.With(
		slog.String("job_id", jobID),
		slog.String("session_id", summary.SessionID),
	)

	if err := s.store.Merge(ctx, summary.SessionID, summary.ImagesMetadata); err != nil {
		logger.Error("Failed to merge session summary", slog.Any("error", err))
		return err
	}

	logger.Info("Session summary merged",
		slog.Int("images", len(summary.ImagesMetadata)),
	)

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, summary.SessionID); err != nil {
			logger.Warn("Failed to invalidate cached summary", slog.Any("error", err))
		}
	}

	return nil
}
