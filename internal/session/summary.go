package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

// ContentReader fetches stored encodings documents
type ContentReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Cache stores rendered summaries
type Cache interface {
	Get(ctx context.Context, sessionID string) (*Summary, bool, error)
	Set(ctx context.Context, summary *Summary) error
	Invalidate(ctx context.Context, sessionID string) error
}

// ImageSummary is one image of a session summary
type ImageSummary struct {
	ImageID   string    `json:"imageId"`
	Filename  string    `json:"filename"`
	Encodings []float64 `json:"encodings"`
}

// Summary is the read model of a session
type Summary struct {
	SessionID string         `json:"sessionId"`
	Summaries []ImageSummary `json:"summaries"`
}

// SummaryService renders session summaries
type SummaryService struct {
	store   Store
	content ContentReader
	cache   Cache
	logger  *slog.Logger
}

// NewSummaryService creates a summary service. cache may be nil.
func NewSummaryService(store Store, content ContentReader, cache Cache, logger *slog.Logger) *SummaryService {
	return &SummaryService{
		store:   store,
		content: content,
		cache:   cache,
		logger:  logger.With(slog.String("component", "summary")),
	}
}

// GetSummary loads the session record and resolves every encodings document.
// Images without a face render with an empty encodings list and no store read.
func (s *SummaryService) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, sessionID)
		if err != nil {
			s.logger.Warn("Summary cache read failed",
				slog.String("session_id", sessionID),
				slog.Any("error", err),
			)
		} else if ok {
			return cached, nil
		}
	}

	record, err := s.store.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	summaries := make([]ImageSummary, len(record.ImagesMetadata))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range record.ImagesMetadata {
		summaries[i] = ImageSummary{
			ImageID:   item.ImageID,
			Filename:  item.Filename,
			Encodings: []float64{},
		}
		if item.EncodingFileKey == "" {
			continue
		}

		g.Go(func() error {
			body, err := s.content.Get(gctx, item.EncodingFileKey)
			if err != nil {
				return fmt.Errorf("failed to load encodings for image %s: %w", item.ImageID, err)
			}
			var doc pipeline.EncodingsDocument
			if err := json.Unmarshal(body, &doc); err != nil {
				return fmt.Errorf("failed to decode encodings for image %s: %w", item.ImageID, err)
			}
			if doc.Encodings != nil {
				summaries[i].Encodings = doc.Encodings
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &Summary{SessionID: sessionID, Summaries: summaries}

	if s.cache != nil {
		if err := s.cache.Set(ctx, summary); err != nil {
			s.logger.Warn("Summary cache write failed",
				slog.String("session_id", sessionID),
				slog.Any("error", err),
			)
		}
	}

	return summary, nil
}
