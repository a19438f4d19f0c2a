package subscription

import (
	"context"
	"time"

	"go.graphrelay.tech/internal/common/repository"
)

const collectionName = "subscriptions"

// instrumentedRepository wraps a Repository with metrics and logging
type instrumentedRepository struct {
	inner Repository
}

// newInstrumentedRepository creates an instrumented wrapper around a Repository
func newInstrumentedRepository(inner Repository) Repository {
	return &instrumentedRepository{inner: inner}
}

func (r *instrumentedRepository) FindByID(ctx context.Context, id string) (*Subscription, error) {
	return repository.Instrument(ctx, collectionName, "FindByID", func() (*Subscription, error) {
		return r.inner.FindByID(ctx, id)
	})
}

func (r *instrumentedRepository) FindByGraphID(ctx context.Context, graphID string) (*Subscription, error) {
	return repository.Instrument(ctx, collectionName, "FindByGraphID", func() (*Subscription, error) {
		return r.inner.FindByGraphID(ctx, graphID)
	})
}

func (r *instrumentedRepository) FindLiveByTuple(ctx context.Context, accountID string, resourceType ResourceType, resource string) (*Subscription, error) {
	return repository.Instrument(ctx, collectionName, "FindLiveByTuple", func() (*Subscription, error) {
		return r.inner.FindLiveByTuple(ctx, accountID, resourceType, resource)
	})
}

func (r *instrumentedRepository) FindAll(ctx context.Context) ([]*Subscription, error) {
	return repository.Instrument(ctx, collectionName, "FindAll", func() ([]*Subscription, error) {
		return r.inner.FindAll(ctx)
	})
}

func (r *instrumentedRepository) FindByStatus(ctx context.Context, status Status) ([]*Subscription, error) {
	return repository.Instrument(ctx, collectionName, "FindByStatus", func() ([]*Subscription, error) {
		return r.inner.FindByStatus(ctx, status)
	})
}

func (r *instrumentedRepository) FindDueForRenewal(ctx context.Context, now time.Time) ([]*Subscription, error) {
	return repository.Instrument(ctx, collectionName, "FindDueForRenewal", func() ([]*Subscription, error) {
		return r.inner.FindDueForRenewal(ctx, now)
	})
}

func (r *instrumentedRepository) Insert(ctx context.Context, sub *Subscription) error {
	return repository.InstrumentVoid(ctx, collectionName, "Insert", func() error {
		return r.inner.Insert(ctx, sub)
	})
}

func (r *instrumentedRepository) Update(ctx context.Context, sub *Subscription) error {
	return repository.InstrumentVoid(ctx, collectionName, "Update", func() error {
		return r.inner.Update(ctx, sub)
	})
}

func (r *instrumentedRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	return repository.InstrumentVoid(ctx, collectionName, "UpdateStatus", func() error {
		return r.inner.UpdateStatus(ctx, id, status)
	})
}

func (r *instrumentedRepository) Delete(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, collectionName, "Delete", func() error {
		return r.inner.Delete(ctx, id)
	})
}

func (r *instrumentedRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return repository.Instrument(ctx, collectionName, "DeleteTerminalBefore", func() (int64, error) {
		return r.inner.DeleteTerminalBefore(ctx, cutoff)
	})
}
