// Package database provides connection helpers for the document store.
package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/imrejaul007/pentouz-pms-sub017/pkg/logging"
)

// MongoConfig configures the MongoDB connection
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxPoolSize    uint64
}

// DefaultMongoConfig returns sensible defaults for MongoDB
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		ConnectTimeout: 10 * time.Second,
		MaxPoolSize:    100,
	}
}

// ConnectMongo establishes a MongoDB connection and verifies it with a ping.
func ConnectMongo(cfg MongoConfig) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetMaxPoolSize(cfg.MaxPoolSize)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return client, nil
}

// MustConnectMongo connects to MongoDB or exits the process.
func MustConnectMongo(cfg MongoConfig, logger logging.Logger) *mongo.Client {
	client, err := ConnectMongo(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	logger.WithField("database", cfg.Database).Info("Connected to MongoDB")
	return client
}
