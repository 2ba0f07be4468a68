// Package session owns the session record: the durable accumulation of encoding
// results per session, and the read path that turns it into a summary.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/pipeline"
)

// ErrSessionNotFound is returned when no record exists for a session id
var ErrSessionNotFound = errors.New("session not found")

// Record is the per-session document. Its set of image ids never shrinks.
type Record struct {
	SessionID      string                        `bson:"sessionId" json:"sessionId"`
	ImagesMetadata []pipeline.EncodedImageResult `bson:"imagesMetada" json:"imagesMetada"`
	CreatedAt      time.Time                     `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time                     `bson:"updatedAt" json:"updatedAt"`
}

// Store persists session records
type Store interface {
	// Create registers a session with an empty image list. Creating an existing session is a no-op.
	Create(ctx context.Context, sessionID string) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	FindBySessionID(ctx context.Context, sessionID string) (*Record, error)
	// Merge appends the items whose image id is not yet recorded, creating the record if absent.
	Merge(ctx context.Context, sessionID string, items []pipeline.EncodedImageResult) error
}

// dedupeByImageID keeps the first occurrence of every image id
func dedupeByImageID(items []pipeline.EncodedImageResult) []pipeline.EncodedImageResult {
	seen := make(map[string]struct{}, len(items))
	out := make([]pipeline.EncodedImageResult, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ImageID]; ok {
			continue
		}
		seen[item.ImageID] = struct{}{}
		out = append(out, item)
	}
	return out
}
