package subscription

import (
	"context"
	"time"
)

// Repository provides access to subscription records
type Repository interface {
	// FindByID finds a record by local ID
	FindByID(ctx context.Context, id string) (*Subscription, error)

	// FindByGraphID finds a record by the provider-assigned subscription ID
	FindByGraphID(ctx context.Context, graphID string) (*Subscription, error)

	// FindLiveByTuple finds the non-terminal record for a watched tuple
	FindLiveByTuple(ctx context.Context, accountID string, resourceType ResourceType, resource string) (*Subscription, error)

	// FindAll returns all records, newest first
	FindAll(ctx context.Context) ([]*Subscription, error)

	// FindByStatus returns all records in the given status
	FindByStatus(ctx context.Context, status Status) ([]*Subscription, error)

	// FindDueForRenewal returns live records whose renewal time has passed
	FindDueForRenewal(ctx context.Context, now time.Time) ([]*Subscription, error)

	// Insert creates a new record
	Insert(ctx context.Context, sub *Subscription) error

	// Update replaces an existing record
	Update(ctx context.Context, sub *Subscription) error

	// UpdateStatus updates only the status of a record
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Delete removes a record
	Delete(ctx context.Context, id string) error

	// DeleteTerminalBefore removes terminal records not updated since the
	// cutoff, returning the number removed
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
