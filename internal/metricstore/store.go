package metricstore

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/timewin"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/tracking"
)

const collectionName = "api_metrics"

// DefaultRetention keeps aggregates for one year on every granularity
const DefaultRetention = 365 * 24 * time.Hour

// Store is the Mongo-backed metrics store
type Store struct {
	coll   *mongo.Collection
	clock  timewin.Clock
	logger *logrus.Logger
}

// NewStore creates the store and ensures its indexes
func NewStore(ctx context.Context, db *mongo.Database, clock timewin.Clock, logger *logrus.Logger) (*Store, error) {
	if clock == nil {
		clock = timewin.SystemClock{}
	}
	coll := db.Collection(collectionName)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "window", Value: 1},
				{Key: "bucket_start", Value: -1},
			},
		},
		{
			Keys: bson.D{{Key: "bucket_start", Value: 1}},
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create metrics indexes: %w", err)
	}

	return &Store{coll: coll, clock: clock, logger: logger}, nil
}

// Upsert merge-upserts a flushed minute aggregate. Counter fields use $inc
// so concurrent flushes from different processes sum; samples and derived
// percentiles are last-writer-wins.
func (s *Store) Upsert(ctx context.Context, agg *tracking.Aggregate) error {
	doc := fromAggregate(agg)

	inc := bson.M{
		"total":          doc.Total,
		"successful":     doc.Successful,
		"failed":         doc.Failed,
		"rate_limited":   doc.RateLimited,
		"request_bytes":  doc.RequestBytes,
		"response_bytes": doc.ResponseBytes,
		"total_time_ms":  doc.TotalTimeMs,
	}
	for k, v := range doc.ByStatusClass {
		inc["by_status_class."+k] = v
	}
	for k, v := range doc.ByStatusCode {
		inc["by_status_code."+k] = v
	}
	for k, v := range doc.ByKey {
		inc["by_key."+k] = v
	}
	for k, v := range doc.ByRole {
		inc["by_role."+k] = v
	}

	update := bson.M{
		"$setOnInsert": bson.M{
			"tenant_id":    doc.TenantID,
			"method":       doc.Method,
			"path":         doc.Path,
			"category":     doc.Category,
			"window":       doc.Window,
			"bucket_start": doc.BucketStart,
		},
		"$inc": inc,
		"$min": bson.M{"min_ms": doc.MinMs},
		"$max": bson.M{"max_ms": doc.MaxMs},
		"$set": bson.M{
			"samples":    doc.Samples,
			"p50_ms":     doc.P50Ms,
			"p95_ms":     doc.P95Ms,
			"p99_ms":     doc.P99Ms,
			"updated_at": s.clock.Now(),
		},
	}

	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": doc.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert aggregate: %w", err)
	}
	return nil
}

// Rollup reduces fromWindow documents in [rangeStart, rangeEnd) into
// toWindow documents. Replace-upserts on the deterministic document ID
// make the operation idempotent, so re-running a rollup is safe.
func (s *Store) Rollup(ctx context.Context, fromWindow, toWindow timewin.Window, rangeStart, rangeEnd time.Time) (int, error) {
	cursor, err := s.coll.Find(ctx, bson.M{
		"window":       fromWindow,
		"bucket_start": bson.M{"$gte": rangeStart, "$lt": rangeEnd},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s aggregates: %w", fromWindow, err)
	}
	defer cursor.Close(ctx)

	var docs []*Document
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("failed to decode %s aggregates: %w", fromWindow, err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	reduced := Reduce(docs, toWindow)
	now := s.clock.Now()
	for _, doc := range reduced {
		doc.UpdatedAt = now
		_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return 0, fmt.Errorf("failed to store %s rollup: %w", toWindow, err)
		}
	}

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"from":   fromWindow,
			"to":     toWindow,
			"source": len(docs),
			"target": len(reduced),
		}).Debug("Rollup completed")
	}
	return len(reduced), nil
}

// query loads a tenant's minute documents for a time range
func (s *Store) query(ctx context.Context, tenantID string, rangeStart, rangeEnd time.Time) ([]*Document, error) {
	cursor, err := s.coll.Find(ctx, bson.M{
		"tenant_id":    tenantID,
		"window":       timewin.Minute,
		"bucket_start": bson.M{"$gte": rangeStart, "$lt": rangeEnd},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []*Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode aggregates: %w", err)
	}
	return docs, nil
}

// Dashboard computes the tenant summary for the given range
func (s *Store) Dashboard(ctx context.Context, tenantID string, rangeStart, rangeEnd time.Time) (Dashboard, error) {
	docs, err := s.query(ctx, tenantID, rangeStart, rangeEnd)
	if err != nil {
		return Dashboard{}, err
	}
	todayStart := timewin.Normalize(s.clock.Now(), timewin.Day)
	return Summarize(docs, todayStart), nil
}

// TopEndpoints returns the busiest endpoints for a tenant and range
func (s *Store) TopEndpoints(ctx context.Context, tenantID string, rangeStart, rangeEnd time.Time, limit int) ([]EndpointStat, error) {
	docs, err := s.query(ctx, tenantID, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	return TopEndpoints(docs, limit), nil
}

// Purge removes aggregates older than the retention horizon
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"bucket_start": bson.M{"$lt": olderThan},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge aggregates: %w", err)
	}
	return res.DeletedCount, nil
}
