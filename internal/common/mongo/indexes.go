package mongo

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexDefinition defines a MongoDB index
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer creates indexes on startup
type IndexInitializer struct {
	client *Client
}

// NewIndexInitializer creates a new index initializer
func NewIndexInitializer(client *Client) *IndexInitializer {
	return &IndexInitializer{client: client}
}

// Initialize creates all required indexes
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	indexes := i.getIndexDefinitions()

	for _, idx := range indexes {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("Failed to create index (may already exist)",
				"error", err,
				"collection", idx.Collection)
		}
	}

	slog.Info("Index initialization complete", "count", len(indexes))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	collection := i.client.Collection(idx.Collection)

	indexModel := mongo.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	}

	_, err := collection.Indexes().CreateOne(ctx, indexModel)
	return err
}

func (i *IndexInitializer) getIndexDefinitions() []IndexDefinition {
	return []IndexDefinition{
		// subscriptions: at most one live record per watched tuple.
		// Partial filter keeps terminal records (EXPIRED, FAILED) out of
		// the uniqueness constraint so history can accumulate.
		{
			Collection: "subscriptions",
			Keys: bson.D{
				{Key: "accountId", Value: 1},
				{Key: "resourceType", Value: 1},
				{Key: "resource", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{
					"status": bson.M{"$in": bson.A{"PENDING", "ACTIVE", "EXPIRING"}},
				}),
		},
		{
			Collection: "subscriptions",
			Keys:       bson.D{{Key: "graphId", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
		{
			Collection: "subscriptions",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "nextRenewalAt", Value: 1}},
		},
		{
			Collection: "subscriptions",
			Keys:       bson.D{{Key: "updatedAt", Value: 1}},
		},
	}
}
