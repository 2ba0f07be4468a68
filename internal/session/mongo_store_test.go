package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// newMongoTestStore connects to the MongoDB named by MONGODB_TEST_URI and returns a
// store on a throwaway database that is dropped when the test ends.
func newMongoTestStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("skipping integration test - set MONGODB_TEST_URI to a MongoDB instance")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))

	db := client.Database(fmt.Sprintf("face_pipeline_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	store := NewMongoStore(db.Collection(CollectionName), discardLogger())
	require.NoError(t, store.EnsureIndexes(ctx))
	return store
}

// stores runs fn against every Store implementation that is available
func stores(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("mongo", func(t *testing.T) { fn(t, newMongoTestStore(t)) })
}

func TestStore_MergeUpsertsOnAbsence(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.FindBySessionID(ctx, "s1")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		require.NoError(t, store.Merge(ctx, "s1", []pipeline.EncodedImageResult{item("i1", "k1")}))

		record, err := store.FindBySessionID(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", record.SessionID)
		assert.Equal(t, []pipeline.EncodedImageResult{item("i1", "k1")}, record.ImagesMetadata)
		assert.False(t, record.CreatedAt.IsZero())
	})
}

func TestStore_RedeliveredMergeAddsNothing(t *testing.T) {
	tests := []struct {
		name    string
		batches [][]pipeline.EncodedImageResult
		want    []pipeline.EncodedImageResult
	}{
		{
			name: "same batch twice",
			batches: [][]pipeline.EncodedImageResult{
				{item("i1", "k1"), item("i2", "")},
				{item("i1", "k1"), item("i2", "")},
			},
			want: []pipeline.EncodedImageResult{item("i1", "k1"), item("i2", "")},
		},
		{
			name: "overlapping batches keep first result",
			batches: [][]pipeline.EncodedImageResult{
				{item("i1", "k1")},
				{item("i1", "other"), item("i2", "k2")},
			},
			want: []pipeline.EncodedImageResult{item("i1", "k1"), item("i2", "k2")},
		},
		{
			name: "duplicates inside one batch",
			batches: [][]pipeline.EncodedImageResult{
				{item("i1", "k1"), item("i1", "k1")},
			},
			want: []pipeline.EncodedImageResult{item("i1", "k1")},
		},
		{
			name: "image id that looks like a field path",
			batches: [][]pipeline.EncodedImageResult{
				{item("$imagesMetada", "k1")},
				{item("$imagesMetada", "k1")},
			},
			want: []pipeline.EncodedImageResult{item("$imagesMetada", "k1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stores(t, func(t *testing.T, store Store) {
				ctx := context.Background()
				for _, batch := range tt.batches {
					require.NoError(t, store.Merge(ctx, "s1", batch))
				}

				record, err := store.FindBySessionID(ctx, "s1")
				require.NoError(t, err)
				assert.Equal(t, tt.want, record.ImagesMetadata)
			})
		})
	}
}

func TestStore_ConcurrentMergesKeepEveryImage(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const batches = 8
		require.NoError(t, store.Create(ctx, "s1"))

		var wg sync.WaitGroup
		errs := make(chan error, batches)
		for i := 0; i < batches; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("i%d", i)
				errs <- store.Merge(ctx, "s1", []pipeline.EncodedImageResult{item(id, "k"+id)})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		record, err := store.FindBySessionID(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, record.ImagesMetadata, batches)
	})
}

func TestStore_CreateKeepsMergedResults(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		exists, err := store.Exists(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, store.Create(ctx, "s1"))
		record, err := store.FindBySessionID(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, record.ImagesMetadata)

		require.NoError(t, store.Merge(ctx, "s1", []pipeline.EncodedImageResult{item("i1", "")}))
		require.NoError(t, store.Create(ctx, "s1"))

		exists, err = store.Exists(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, exists)

		record, err = store.FindBySessionID(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []pipeline.EncodedImageResult{item("i1", "")}, record.ImagesMetadata)
	})
}
