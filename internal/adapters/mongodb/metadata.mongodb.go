// Package mongodb stores free-form metadata documents attached to pools and
// ledger transactions. Metadata is schemaless by design and lives outside the
// relational store so arbitrary keys never touch the balance tables.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Metadata is one metadata document keyed by the owning entity id.
type Metadata struct {
	EntityID   string         `bson:"entity_id"`
	EntityName string         `bson:"entity_name"`
	Data       map[string]any `bson:"metadata"`
	CreatedAt  time.Time      `bson:"created_at"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

// Repository is the metadata storage capability.
type Repository interface {
	Create(ctx context.Context, collection string, metadata *Metadata) error
	FindByEntity(ctx context.Context, collection, entityID string) (*Metadata, error)
	FindList(ctx context.Context, collection string, filter map[string]any) ([]*Metadata, error)
	Update(ctx context.Context, collection, entityID string, data map[string]any) error
	Delete(ctx context.Context, collection, entityID string) error
}

// MetadataMongoDBRepository implements Repository on a mongo database.
type MetadataMongoDBRepository struct {
	client   *mongo.Client
	database string
}

func NewMetadataMongoDBRepository(client *mongo.Client, database string) *MetadataMongoDBRepository {
	return &MetadataMongoDBRepository{client: client, database: database}
}

func (r *MetadataMongoDBRepository) collection(name string) *mongo.Collection {
	return r.client.Database(r.database).Collection(name)
}

func (r *MetadataMongoDBRepository) Create(ctx context.Context, collection string, metadata *Metadata) error {
	now := time.Now().UTC()
	metadata.CreatedAt = now
	metadata.UpdatedAt = now

	if _, err := r.collection(collection).InsertOne(ctx, metadata); err != nil {
		return fmt.Errorf("insert metadata for %s: %w", metadata.EntityID, err)
	}

	return nil
}

func (r *MetadataMongoDBRepository) FindByEntity(ctx context.Context, collection, entityID string) (*Metadata, error) {
	var metadata Metadata

	err := r.collection(collection).FindOne(ctx, bson.M{"entity_id": entityID}).Decode(&metadata)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, fmt.Errorf("find metadata for %s: %w", entityID, err)
	}

	return &metadata, nil
}

func (r *MetadataMongoDBRepository) FindList(ctx context.Context, collection string, filter map[string]any) ([]*Metadata, error) {
	query := bson.M{}
	for key, value := range filter {
		query["metadata."+key] = value
	}

	cursor, err := r.collection(collection).Find(ctx, query, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer cursor.Close(ctx)

	var results []*Metadata
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode metadata list: %w", err)
	}

	return results, nil
}

// Update merges keys into the existing document, creating it when absent.
func (r *MetadataMongoDBRepository) Update(ctx context.Context, collection, entityID string, data map[string]any) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	for key, value := range data {
		set["metadata."+key] = value
	}

	_, err := r.collection(collection).UpdateOne(ctx,
		bson.M{"entity_id": entityID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update metadata for %s: %w", entityID, err)
	}

	return nil
}

func (r *MetadataMongoDBRepository) Delete(ctx context.Context, collection, entityID string) error {
	if _, err := r.collection(collection).DeleteOne(ctx, bson.M{"entity_id": entityID}); err != nil {
		return fmt.Errorf("delete metadata for %s: %w", entityID, err)
	}

	return nil
}
