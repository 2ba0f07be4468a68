package intake

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MetadataCollectionName is the MongoDB collection holding one document per uploaded image
const MetadataCollectionName = "images_metadata"

// ImageMetadata is the stored description of one uploaded image
type ImageMetadata struct {
	SessionID string    `bson:"sessionId" json:"sessionId"`
	ImageID   string    `bson:"imageId" json:"imageId"`
	ImageURL  string    `bson:"imageUrl" json:"imageUrl"`
	Filename  string    `bson:"filename" json:"filename"`
	Filetype  string    `bson:"filetype" json:"filetype"`
	Filesize  int64     `bson:"filesize" json:"filesize"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// MetadataStore persists image metadata documents
type MetadataStore interface {
	Save(ctx context.Context, m *ImageMetadata) error
	CountBySession(ctx context.Context, sessionID string) (int64, error)
}

// MongoMetadataStore implements MetadataStore on MongoDB
type MongoMetadataStore struct {
	collection *mongo.Collection
}

// NewMongoMetadataStore creates a MongoDB backed metadata store
func NewMongoMetadataStore(collection *mongo.Collection) *MongoMetadataStore {
	return &MongoMetadataStore{collection: collection}
}

// EnsureIndexes creates the session lookup and image id indexes
func (s *MongoMetadataStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sessionId", Value: 1}}},
		{Keys: bson.D{{Key: "imageId", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to create image metadata indexes: %w", err)
	}
	return nil
}

func (s *MongoMetadataStore) Save(ctx context.Context, m *ImageMetadata) error {
	if _, err := s.collection.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("failed to save image metadata %s: %w", m.ImageID, err)
	}
	return nil
}

func (s *MongoMetadataStore) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"sessionId": sessionID})
	if err != nil {
		return 0, fmt.Errorf("failed to count images of session %s: %w", sessionID, err)
	}
	return count, nil
}
