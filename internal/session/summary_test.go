package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContent struct {
	mu      sync.Mutex
	objects map[string][]byte
	reads   []string
	err     error
}

func (c *fakeContent) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, key)
	if c.err != nil {
		return nil, c.err
	}
	return c.objects[key], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, time.Minute), mr
}

func TestSummaryService_GetSummary(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Merge(ctx, "s1", []pipeline.EncodedImageResult{
		item("i1", "sessions/s1/i1/encodings.json"),
		item("i2", ""),
	}))

	content := &fakeContent{objects: map[string][]byte{
		"sessions/s1/i1/encodings.json": []byte(`{"encodings":[0.25,0.5]}`),
	}}
	svc := NewSummaryService(store, content, nil, discardLogger())

	summary, err := svc.GetSummary(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, &Summary{
		SessionID: "s1",
		Summaries: []ImageSummary{
			{ImageID: "i1", Filename: "i1.jpg", Encodings: []float64{0.25, 0.5}},
			{ImageID: "i2", Filename: "i2.jpg", Encodings: []float64{}},
		},
	}, summary)
	// empty key short-circuits without a store round trip
	assert.Equal(t, []string{"sessions/s1/i1/encodings.json"}, content.reads)
}

func TestSummaryService_NotFoundDiffersFromEmpty(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, "empty"))
	svc := NewSummaryService(store, &fakeContent{}, nil, discardLogger())

	_, err := svc.GetSummary(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	summary, err := svc.GetSummary(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, summary.Summaries)
	assert.NotNil(t, summary.Summaries)
}

func TestSummaryService_ContentErrorPropagates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Merge(ctx, "s1", []pipeline.EncodedImageResult{item("i1", "k1")}))

	storeErr := errors.New("access denied")
	svc := NewSummaryService(store, &fakeContent{err: storeErr}, nil, discardLogger())

	_, err := svc.GetSummary(ctx, "s1")
	assert.ErrorIs(t, err, storeErr)
}

func TestSummaryService_UsesCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Merge(ctx, "s1", []pipeline.EncodedImageResult{item("i1", "k1")}))

	content := &fakeContent{objects: map[string][]byte{"k1": []byte(`{"encodings":[1]}`)}}
	cache, _ := newRedisCache(t)
	svc := NewSummaryService(store, content, cache, discardLogger())

	first, err := svc.GetSummary(ctx, "s1")
	require.NoError(t, err)
	second, err := svc.GetSummary(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, content.reads, 1)

	require.NoError(t, cache.Invalidate(ctx, "s1"))
	_, err = svc.GetSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, content.reads, 2)
}

func TestSummaryService_CacheFailureFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, "s1"))

	cache, mr := newRedisCache(t)
	mr.Close()

	svc := NewSummaryService(store, &fakeContent{}, cache, discardLogger())
	summary, err := svc.GetSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", summary.SessionID)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisCache(t)

	_, ok, err := cache.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := &Summary{SessionID: "s1", Summaries: []ImageSummary{{ImageID: "i1", Encodings: []float64{0.5}}}}
	require.NoError(t, cache.Set(ctx, want))
	assert.True(t, mr.Exists("session-summary:s1"))
	assert.Equal(t, time.Minute, mr.TTL("session-summary:s1"))

	got, ok, err := cache.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, cache.Invalidate(ctx, "s1"))
	assert.False(t, mr.Exists("session-summary:s1"))

	require.NoError(t, mr.Set("session-summary:bad", "not-json"))
	_, _, err = cache.Get(ctx, "bad")
	assert.Error(t, err)
}
