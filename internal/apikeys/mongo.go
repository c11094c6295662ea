package apikeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const collectionName = "api_keys"

// MongoStore persists API keys in a Mongo collection
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates the store and ensures its indexes
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	coll := db.Collection(collectionName)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "lookup_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create api key indexes: %w", err)
	}

	return &MongoStore{coll: coll}, nil
}

func (s *MongoStore) Insert(ctx context.Context, key *APIKey) error {
	if _, err := s.coll.InsertOne(ctx, key); err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

func (s *MongoStore) FindByLookupHash(ctx context.Context, hash string) (*APIKey, error) {
	var key APIKey
	err := s.coll.FindOne(ctx, bson.M{"lookup_hash": hash}).Decode(&key)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load api key: %w", err)
	}
	return &key, nil
}

func (s *MongoStore) FindByID(ctx context.Context, tenantID, id string) (*APIKey, error) {
	var key APIKey
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "tenant_id": tenantID}).Decode(&key)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load api key: %w", err)
	}
	return &key, nil
}

func (s *MongoStore) ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"tenant_id": tenantID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer cursor.Close(ctx)

	var keys []*APIKey
	if err := cursor.All(ctx, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode api keys: %w", err)
	}
	return keys, nil
}

func (s *MongoStore) UpdateState(ctx context.Context, tenantID, id, state string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "tenant_id": tenantID},
		bson.M{"$set": bson.M{"state": state}})
	if err != nil {
		return fmt.Errorf("failed to update api key state: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrInvalidKey
	}
	return nil
}

// RecordUse increments the usage total and refreshes last-seen fields with
// a single atomic update.
func (s *MongoStore) RecordUse(ctx context.Context, id string, rec UseRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{"total_requests": 1},
			"$set": bson.M{
				"last_used_at": rec.At,
				"last_used_ip": rec.ClientIP,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to record api key use: %w", err)
	}
	return nil
}
