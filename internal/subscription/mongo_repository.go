package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.graphrelay.tech/internal/common/repository"
)

var (
	// ErrNotFound indicates no matching subscription record
	ErrNotFound = repository.ErrNotFound

	// ErrDuplicateTuple indicates a live record already covers the tuple
	ErrDuplicateTuple = fmt.Errorf("live subscription already exists: %w", repository.ErrDuplicateKey)

	// ErrNotLive indicates an operation that requires a live subscription
	// was attempted on a terminal record
	ErrNotLive = errors.New("subscription is not live")
)

// liveStatuses are the states covered by the partial unique index
var liveStatuses = bson.A{StatusPending, StatusActive, StatusExpiring}

// mongoRepository provides MongoDB access to subscription records
type mongoRepository struct {
	subscriptions *mongo.Collection
}

// NewRepository creates a subscription repository with instrumentation
func NewRepository(db *mongo.Database) Repository {
	return newInstrumentedRepository(&mongoRepository{
		subscriptions: db.Collection("subscriptions"),
	})
}

func (r *mongoRepository) FindByID(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	err := r.subscriptions.FindOne(ctx, bson.M{"_id": id}).Decode(&sub)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *mongoRepository) FindByGraphID(ctx context.Context, graphID string) (*Subscription, error) {
	var sub Subscription
	err := r.subscriptions.FindOne(ctx, bson.M{"graphId": graphID}).Decode(&sub)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *mongoRepository) FindLiveByTuple(ctx context.Context, accountID string, resourceType ResourceType, resource string) (*Subscription, error) {
	filter := bson.M{
		"accountId":    accountID,
		"resourceType": resourceType,
		"resource":     resource,
		"status":       bson.M{"$in": liveStatuses},
	}

	var sub Subscription
	err := r.subscriptions.FindOne(ctx, filter).Decode(&sub)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *mongoRepository) FindAll(ctx context.Context) ([]*Subscription, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})

	cursor, err := r.subscriptions.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var subs []*Subscription
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *mongoRepository) FindByStatus(ctx context.Context, status Status) ([]*Subscription, error) {
	cursor, err := r.subscriptions.Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var subs []*Subscription
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *mongoRepository) FindDueForRenewal(ctx context.Context, now time.Time) ([]*Subscription, error) {
	filter := bson.M{
		"status":        bson.M{"$in": bson.A{StatusActive, StatusExpiring}},
		"nextRenewalAt": bson.M{"$lte": now},
	}

	cursor, err := r.subscriptions.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var subs []*Subscription
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *mongoRepository) Insert(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := r.subscriptions.InsertOne(ctx, sub)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateTuple
	}
	return err
}

func (r *mongoRepository) Update(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now()

	result, err := r.subscriptions.ReplaceOne(ctx, bson.M{"_id": sub.ID}, sub)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	result, err := r.subscriptions.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":    status,
			"updatedAt": time.Now(),
		}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoRepository) Delete(ctx context.Context, id string) error {
	result, err := r.subscriptions.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.subscriptions.DeleteMany(ctx, bson.M{
		"status":    bson.M{"$in": bson.A{StatusExpired, StatusFailed}},
		"updatedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}
