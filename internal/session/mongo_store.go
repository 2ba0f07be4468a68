package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/face-pipeline/internal/pipeline"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionName is the MongoDB collection holding session records
const CollectionName = "sessions"

// MongoStore implements Store on a MongoDB collection
type MongoStore struct {
	collection *mongo.Collection
	logger     *slog.Logger
	now        func() time.Time
}

// NewMongoStore creates a MongoDB backed store
func NewMongoStore(collection *mongo.Collection, logger *slog.Logger) *MongoStore {
	return &MongoStore{
		collection: collection,
		logger:     logger.With(slog.String("component", "session_store")),
		now:        time.Now,
	}
}

// EnsureIndexes creates the unique session id index
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sessionId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, sessionID string) error {
	now := s.now()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"sessionId": sessionID},
		bson.M{"$setOnInsert": bson.M{
			"sessionId":    sessionID,
			"imagesMetada": bson.A{},
			"createdAt":    now,
			"updatedAt":    now,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", sessionID, err)
	}
	return nil
}

func (s *MongoStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"sessionId": sessionID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", sessionID, err)
	}
	return count > 0, nil
}

func (s *MongoStore) FindBySessionID(ctx context.Context, sessionID string) (*Record, error) {
	var record Record
	err := s.collection.FindOne(ctx, bson.M{"sessionId": sessionID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to find session %s: %w", sessionID, err)
	}
	return &record, nil
}

// Merge runs a single upserting update so concurrent merges for one session serialize in MongoDB
func (s *MongoStore) Merge(ctx context.Context, sessionID string, items []pipeline.EncodedImageResult) error {
	items = dedupeByImageID(items)

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"sessionId": sessionID},
		mergePipeline(sessionID, items, s.now()),
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to merge session %s: %w", sessionID, err)
	}

	s.logger.Debug("Session merged",
		slog.String("session_id", sessionID),
		slog.Int("items", len(items)),
		slog.Int64("matched", result.MatchedCount),
		slog.Bool("upserted", result.UpsertedID != nil),
	)
	return nil
}

// mergePipeline appends the items whose imageId is absent from the stored list.
// Items are passed as a literal so user supplied strings are never read as field paths.
func mergePipeline(sessionID string, items []pipeline.EncodedImageResult, now time.Time) mongo.Pipeline {
	existing := bson.M{"$ifNull": bson.A{"$imagesMetada", bson.A{}}}
	existingIDs := bson.M{"$ifNull": bson.A{"$imagesMetada.imageId", bson.A{}}}

	incoming := make(bson.A, 0, len(items))
	for _, item := range items {
		incoming = append(incoming, bson.M{
			"imageId":         item.ImageID,
			"filename":        item.Filename,
			"encodingfileKey": item.EncodingFileKey,
		})
	}

	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "sessionId", Value: sessionID},
			{Key: "createdAt", Value: bson.M{"$ifNull": bson.A{"$createdAt", now}}},
			{Key: "updatedAt", Value: now},
			{Key: "imagesMetada", Value: bson.M{"$concatArrays": bson.A{
				existing,
				bson.M{"$filter": bson.M{
					"input": bson.M{"$literal": incoming},
					"as":    "item",
					"cond":  bson.M{"$not": bson.A{bson.M{"$in": bson.A{"$$item.imageId", existingIDs}}}},
				}},
			}}},
		}}},
	}
}
