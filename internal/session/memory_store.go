package session

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/pipeline"
)

// MemoryStore is an in-process Store with the same merge semantics as MongoStore
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[sessionID]; ok {
		return nil
	}
	now := s.now()
	s.records[sessionID] = &Record{
		SessionID:      sessionID,
		ImagesMetadata: []pipeline.EncodedImageResult{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[sessionID]
	return ok, nil
}

func (s *MemoryStore) FindBySessionID(ctx context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *record
	clone.ImagesMetadata = append([]pipeline.EncodedImageResult{}, record.ImagesMetadata...)
	return &clone, nil
}

func (s *MemoryStore) Merge(ctx context.Context, sessionID string, items []pipeline.EncodedImageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	record, ok := s.records[sessionID]
	if !ok {
		record = &Record{SessionID: sessionID, CreatedAt: now}
		s.records[sessionID] = record
	}

	present := make(map[string]struct{}, len(record.ImagesMetadata))
	for _, existing := range record.ImagesMetadata {
		present[existing.ImageID] = struct{}{}
	}
	for _, item := range dedupeByImageID(items) {
		if _, ok := present[item.ImageID]; ok {
			continue
		}
		record.ImagesMetadata = append(record.ImagesMetadata, item)
	}
	record.UpdatedAt = now
	return nil
}
