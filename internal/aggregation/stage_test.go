package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"github.com/cuongbtq/face-pipeline/internal/queue"
	"github.com/cuongbtq/face-pipeline/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNames = pipeline.JobNames{ImageBatch: "image-metadata", SessionSummary: "session-summary"}

type failingStore struct {
	session.Store
	err error
}

func (s *failingStore) Merge(ctx context.Context, sessionID string, items []pipeline.EncodedImageResult) error {
	return s.err
}

type fakeInvalidator struct {
	invalidated []string
	err         error
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, sessionID string) error {
	f.invalidated = append(f.invalidated, sessionID)
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func summaryJob(t *testing.T, payload pipeline.SessionSummaryPayload) *queue.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Name: testNames.SessionSummary, Data: data}
}

func TestStage_MergeCreatesRecord(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	cache := &fakeInvalidator{}
	stage := NewStage(store, cache, testNames, discardLogger())

	results := []pipeline.EncodedImageResult{
		{ImageID: "i1", Filename: "a.jpg", EncodingFileKey: "sessions/s1/i1/encodings.json"},
	}
	require.NoError(t, stage.HandleJob(ctx, summaryJob(t, pipeline.SessionSummaryPayload{SessionID: "s1", ImagesMetadata: results})))

	record, err := store.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, results, record.ImagesMetadata)
	assert.Equal(t, []string{"s1"}, cache.invalidated)
}

func TestStage_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	stage := NewStage(store, nil, testNames, discardLogger())

	job := summaryJob(t, pipeline.SessionSummaryPayload{
		SessionID: "s1",
		ImagesMetadata: []pipeline.EncodedImageResult{
			{ImageID: "i1", Filename: "a.jpg"},
			{ImageID: "i2", Filename: "b.jpg", EncodingFileKey: "k2"},
		},
	})
	require.NoError(t, stage.HandleJob(ctx, job))
	require.NoError(t, stage.HandleJob(ctx, job))

	record, err := store.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, record.ImagesMetadata, 2)
}

func TestStage_MergesAcrossJobs(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	stage := NewStage(store, nil, testNames, discardLogger())

	for _, id := range []string{"i1", "i2", "i3"} {
		job := summaryJob(t, pipeline.SessionSummaryPayload{
			SessionID:      "s1",
			ImagesMetadata: []pipeline.EncodedImageResult{{ImageID: id}},
		})
		require.NoError(t, stage.HandleJob(ctx, job))
	}

	record, err := store.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	ids := make([]string, 0, len(record.ImagesMetadata))
	for _, r := range record.ImagesMetadata {
		ids = append(ids, r.ImageID)
	}
	assert.ElementsMatch(t, []string{"i1", "i2", "i3"}, ids)
}

func TestStage_StoreErrorIsRetryable(t *testing.T) {
	storeErr := errors.New("mongo: server selection timeout")
	cache := &fakeInvalidator{}
	stage := NewStage(&failingStore{err: storeErr}, cache, testNames, discardLogger())

	err := stage.HandleJob(context.Background(), summaryJob(t, pipeline.SessionSummaryPayload{SessionID: "s1"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
	assert.False(t, queue.IsPermanent(err))
	assert.Empty(t, cache.invalidated)
}

func TestStage_InvalidationErrorDoesNotFailJob(t *testing.T) {
	stage := NewStage(session.NewMemoryStore(), &fakeInvalidator{err: errors.New("redis down")}, testNames, discardLogger())

	err := stage.HandleJob(context.Background(), summaryJob(t, pipeline.SessionSummaryPayload{SessionID: "s1"}))
	assert.NoError(t, err)
}

func TestStage_MissingSessionIsPermanent(t *testing.T) {
	stage := NewStage(session.NewMemoryStore(), nil, testNames, discardLogger())

	err := stage.HandleJob(context.Background(), summaryJob(t, pipeline.SessionSummaryPayload{}))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestStage_IgnoresForeignJobs(t *testing.T) {
	tests := []struct {
		name string
		job  *queue.Job
	}{
		{name: "image batch", job: &queue.Job{ID: "j1", Name: testNames.ImageBatch, Data: json.RawMessage(`{"sessionId":"s1","metadata":[{"imageId":"i1","imageUrl":"k"}]}`)}},
		{name: "malformed image batch", job: &queue.Job{ID: "j2", Name: testNames.ImageBatch, Data: json.RawMessage(`"s1"`)}},
		{name: "image batch without images", job: &queue.Job{ID: "j3", Name: testNames.ImageBatch, Data: json.RawMessage(`{"sessionId":"s1"}`)}},
		{name: "unknown name", job: &queue.Job{ID: "j4", Name: "thumbnail", Data: json.RawMessage(`{}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := session.NewMemoryStore()
			stage := NewStage(store, nil, testNames, discardLogger())

			assert.NoError(t, stage.HandleJob(ctx, tt.job))

			exists, err := store.Exists(ctx, "s1")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}
