package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/imrejaul007/pentouz-pms-sub017/pkg/crypto"
)

const (
	endpointsCollection  = "webhook_endpoints"
	deliveriesCollection = "webhook_deliveries"
)

// ErrNotFound is returned when an endpoint or delivery does not exist
var ErrNotFound = errors.New("webhook record not found")

// MongoStore persists endpoints and deliveries. Endpoint secrets are
// encrypted with the service fieldcrypt key before storage.
type MongoStore struct {
	endpoints  *mongo.Collection
	deliveries *mongo.Collection
	fieldcrypt *crypto.FieldEncryptor
	now        func() time.Time
}

// NewMongoStore creates the store and ensures its indexes. fieldcrypt may
// be nil, in which case secrets are stored unencrypted (tests only).
func NewMongoStore(ctx context.Context, db *mongo.Database, fieldcrypt *crypto.FieldEncryptor) (*MongoStore, error) {
	endpoints := db.Collection(endpointsCollection)
	deliveries := db.Collection(deliveriesCollection)

	if _, err := endpoints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "active", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("failed to create endpoint indexes: %w", err)
	}

	deliveryIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "next_attempt_at", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}
	if _, err := deliveries.Indexes().CreateMany(ctx, deliveryIndexes); err != nil {
		return nil, fmt.Errorf("failed to create delivery indexes: %w", err)
	}

	return &MongoStore{
		endpoints:  endpoints,
		deliveries: deliveries,
		fieldcrypt: fieldcrypt,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *MongoStore) encryptSecret(secret string) (string, error) {
	if s.fieldcrypt == nil {
		return secret, nil
	}
	return s.fieldcrypt.Encrypt(secret)
}

func (s *MongoStore) decryptSecret(stored string) (string, error) {
	if s.fieldcrypt == nil {
		return stored, nil
	}
	return s.fieldcrypt.Decrypt(stored)
}

// CreateEndpoint stores a new endpoint with its secret encrypted
func (s *MongoStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	enc, err := s.encryptSecret(ep.Secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt webhook secret: %w", err)
	}
	stored := *ep
	stored.Secret = enc

	if _, err := s.endpoints.InsertOne(ctx, &stored); err != nil {
		return fmt.Errorf("failed to insert webhook endpoint: %w", err)
	}
	return nil
}

// GetEndpoint loads one endpoint with its secret decrypted
func (s *MongoStore) GetEndpoint(ctx context.Context, tenantID, id string) (*Endpoint, error) {
	var ep Endpoint
	err := s.endpoints.FindOne(ctx, bson.M{"_id": id, "tenant_id": tenantID}).Decode(&ep)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook endpoint: %w", err)
	}
	if ep.Secret, err = s.decryptSecret(ep.Secret); err != nil {
		return nil, fmt.Errorf("failed to decrypt webhook secret: %w", err)
	}
	return &ep, nil
}

// getEndpointAny loads an endpoint without a tenant filter, for the
// dispatcher which already trusts the delivery's tenant binding.
func (s *MongoStore) getEndpointAny(ctx context.Context, id string) (*Endpoint, error) {
	var ep Endpoint
	err := s.endpoints.FindOne(ctx, bson.M{"_id": id}).Decode(&ep)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook endpoint: %w", err)
	}
	if ep.Secret, err = s.decryptSecret(ep.Secret); err != nil {
		return nil, fmt.Errorf("failed to decrypt webhook secret: %w", err)
	}
	return &ep, nil
}

// ListEndpoints returns a tenant's endpoints. Secrets are omitted.
func (s *MongoStore) ListEndpoints(ctx context.Context, tenantID string) ([]*Endpoint, error) {
	cursor, err := s.endpoints.Find(ctx, bson.M{"tenant_id": tenantID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	defer cursor.Close(ctx)

	var eps []*Endpoint
	if err := cursor.All(ctx, &eps); err != nil {
		return nil, fmt.Errorf("failed to decode webhook endpoints: %w", err)
	}
	for _, ep := range eps {
		ep.Secret = ""
	}
	return eps, nil
}

// EndpointsForEvent returns a tenant's active endpoints subscribed to the
// event, secrets decrypted for signing.
func (s *MongoStore) EndpointsForEvent(ctx context.Context, tenantID, event string) ([]*Endpoint, error) {
	cursor, err := s.endpoints.Find(ctx, bson.M{
		"tenant_id": tenantID,
		"active":    true,
		"events":    bson.M{"$in": []string{event, "*"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to match webhook endpoints: %w", err)
	}
	defer cursor.Close(ctx)

	var eps []*Endpoint
	if err := cursor.All(ctx, &eps); err != nil {
		return nil, fmt.Errorf("failed to decode webhook endpoints: %w", err)
	}
	for _, ep := range eps {
		if ep.Secret, err = s.decryptSecret(ep.Secret); err != nil {
			return nil, fmt.Errorf("failed to decrypt webhook secret: %w", err)
		}
	}
	return eps, nil
}

// DeactivateEndpoint turns an endpoint off; pending deliveries to it are
// abandoned on their next claim.
func (s *MongoStore) DeactivateEndpoint(ctx context.Context, tenantID, id string) error {
	res, err := s.endpoints.UpdateOne(ctx,
		bson.M{"_id": id, "tenant_id": tenantID},
		bson.M{"$set": bson.M{"active": false}})
	if err != nil {
		return fmt.Errorf("failed to deactivate webhook endpoint: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordEndpointAttempt updates the endpoint's last-attempt metadata
func (s *MongoStore) RecordEndpointAttempt(ctx context.Context, id string, status int, attemptErr string, failed bool) error {
	update := bson.M{
		"$set": bson.M{
			"last_attempt_at": s.now(),
			"last_status":     status,
			"last_error":      attemptErr,
		},
	}
	if failed {
		update["$inc"] = bson.M{"failure_count": 1}
	}
	if _, err := s.endpoints.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("failed to record endpoint attempt: %w", err)
	}
	return nil
}

// InsertDelivery persists a new pending delivery
func (s *MongoStore) InsertDelivery(ctx context.Context, d *Delivery) error {
	if _, err := s.deliveries.InsertOne(ctx, d); err != nil {
		return fmt.Errorf("failed to insert webhook delivery: %w", err)
	}
	return nil
}

// claimLease bounds how long an in_flight claim is honored. A delivery
// whose claim is older than the lease is treated as orphaned (worker crash
// or lost write-back) and becomes claimable again. Must comfortably exceed
// the per-attempt HTTP timeout.
const claimLease = 2 * time.Minute

// ClaimDue atomically claims up to limit due deliveries by flipping them
// to in_flight, oldest first so per-endpoint ordering follows creation
// order. Expired in_flight claims are reclaimed so a crash mid-attempt
// cannot strand a delivery.
func (s *MongoStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	var claimed []*Delivery
	for len(claimed) < limit {
		var d Delivery
		err := s.deliveries.FindOneAndUpdate(ctx,
			bson.M{"$or": bson.A{
				bson.M{
					"status":          StatusPending,
					"next_attempt_at": bson.M{"$lte": now},
				},
				bson.M{
					"status":     StatusInFlight,
					"updated_at": bson.M{"$lte": now.Add(-claimLease)},
				},
			}},
			bson.M{"$set": bson.M{"status": StatusInFlight, "updated_at": now}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "created_at", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("failed to claim webhook delivery: %w", err)
		}
		claimed = append(claimed, &d)
	}
	return claimed, nil
}

// UpdateDelivery writes back a delivery's outcome
func (s *MongoStore) UpdateDelivery(ctx context.Context, d *Delivery) error {
	d.UpdatedAt = s.now()
	_, err := s.deliveries.ReplaceOne(ctx, bson.M{"_id": d.ID}, d)
	if err != nil {
		return fmt.Errorf("failed to update webhook delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns a tenant's recent deliveries for audit
func (s *MongoStore) ListDeliveries(ctx context.Context, tenantID string, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	cursor, err := s.deliveries.Find(ctx, bson.M{"tenant_id": tenantID},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Delivery
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode webhook deliveries: %w", err)
	}
	return out, nil
}
