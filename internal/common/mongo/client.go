// Package mongo wraps the MongoDB driver with connection and index
// helpers for the subscription store.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"go.graphrelay.tech/internal/config"
)

// Connection pool sizing. The store holds one record per watched tuple,
// so traffic is renewal scans plus occasional gateway lookups; a small
// pool is plenty.
const (
	maxPoolSize     = 20
	minPoolSize     = 2
	maxConnIdleTime = 5 * time.Minute
	connectTimeout  = 10 * time.Second
	selectTimeout   = 5 * time.Second
)

// Client wraps the driver client bound to the configured database.
type Client struct {
	client   *mongo.Client
	database *mongo.Database
}

// Connect establishes and verifies a MongoDB connection.
func Connect(ctx context.Context, cfg config.MongoDBConfig) (*Client, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(maxPoolSize).
		SetMinPoolSize(minPoolSize).
		SetMaxConnIdleTime(maxConnIdleTime).
		SetServerSelectionTimeout(selectTimeout).
		SetConnectTimeout(connectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, selectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	slog.Info("Connected to MongoDB", "database", cfg.Database)

	return &Client{
		client:   client,
		database: client.Database(cfg.Database),
	}, nil
}

// Database returns the configured database.
func (c *Client) Database() *mongo.Database {
	return c.database
}

// Collection returns a collection from the configured database.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.database.Collection(name)
}

// Ping verifies the primary is reachable, used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Disconnect closes the connection pool.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
