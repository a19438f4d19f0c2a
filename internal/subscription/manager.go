// Package subscription tracks Microsoft Graph change-notification
// subscriptions: persistence, creation, renewal, and self-healing
// re-creation when renewal fails.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.graphrelay.tech/internal/common/metrics"
	"go.graphrelay.tech/internal/graph"
	"go.graphrelay.tech/internal/retry"
	"go.graphrelay.tech/internal/warning"
)

// ProviderClient is the slice of the Graph client the manager needs
type ProviderClient interface {
	CreateSubscription(ctx context.Context, req *graph.SubscriptionRequest) (*graph.SubscriptionResource, error)
	RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (*graph.SubscriptionResource, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]graph.SubscriptionResource, error)
}

// ManagerConfig configures the subscription manager
type ManagerConfig struct {
	// PublicBaseURL is the externally reachable base URL for webhooks
	PublicBaseURL string

	// Lifetime requested for new and renewed subscriptions (Graph caps
	// message subscriptions at 3 days, chat resources lower; 24h is safe
	// for all resource types used here)
	Lifetime time.Duration

	// RenewalWindowFraction is the share of lifetime remaining when
	// renewal begins (0.2 renews with 20% left)
	RenewalWindowFraction float64

	// CheckInterval is how often the renewal loop scans for due records
	CheckInterval time.Duration

	// RecordGracePeriod is how long terminal records are retained
	RecordGracePeriod time.Duration

	// Retry bounds renewal attempts before giving up and re-creating
	Retry retry.Policy
}

// Manager owns the subscription lifecycle. All mutations for the same
// watched tuple are serialized through a keyed mutex so renewal and
// re-creation cannot interleave.
type Manager struct {
	repo     Repository
	provider ProviderClient
	warnings warning.Service
	cfg      ManagerConfig

	locks keyedMutex

	stopCh chan struct{}
	doneCh chan struct{}

	mu          sync.Mutex
	lastScan    time.Time
	lastJanitor time.Time
}

// NewManager creates a subscription manager
func NewManager(repo Repository, provider ProviderClient, warnings warning.Service, cfg ManagerConfig) *Manager {
	if cfg.Lifetime == 0 {
		cfg.Lifetime = 24 * time.Hour
	}
	if cfg.RenewalWindowFraction <= 0 || cfg.RenewalWindowFraction >= 1 {
		cfg.RenewalWindowFraction = 0.2
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.RecordGracePeriod == 0 {
		cfg.RecordGracePeriod = 7 * 24 * time.Hour
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute, Jitter: 0.2}
	}

	return &Manager{
		repo:     repo,
		provider: provider,
		warnings: warnings,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// EnsureSubscription makes sure a live subscription covers the tuple.
// Idempotent: an existing PENDING/ACTIVE/EXPIRING record is returned as-is.
func (m *Manager) EnsureSubscription(ctx context.Context, accountID string, resourceType ResourceType) (*Subscription, error) {
	if !resourceType.Valid() {
		return nil, fmt.Errorf("unknown resource type %q", resourceType)
	}

	resource, err := ResourceExpression(resourceType, accountID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(tupleKey(resourceType, accountID, resource))
	defer unlock()

	existing, err := m.repo.FindLiveByTuple(ctx, accountID, resourceType, resource)
	if err == nil {
		slog.Debug("Subscription already covered",
			"accountId", accountID,
			"resourceType", resourceType,
			"status", existing.Status)
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return m.createSubscription(ctx, accountID, resourceType, resource)
}

// createSubscription persists a PENDING record, creates the upstream
// subscription (the provider validates the webhook inline), and marks the
// record ACTIVE. Tuple lock must be held.
func (m *Manager) createSubscription(ctx context.Context, accountID string, resourceType ResourceType, resource string) (*Subscription, error) {
	now := time.Now()
	sub := &Subscription{
		AccountID:       accountID,
		ResourceType:    resourceType,
		Resource:        resource,
		NotificationURL: m.cfg.PublicBaseURL + WebhookPath(resourceType),
		ClientState:     uuid.NewString(),
		ChangeType:      ChangeTypeFor(resourceType),
		Status:          StatusPending,
	}

	if err := m.repo.Insert(ctx, sub); err != nil {
		if errors.Is(err, ErrDuplicateTuple) {
			// Lost a race with another creator, return the winner
			return m.repo.FindLiveByTuple(ctx, accountID, resourceType, resource)
		}
		return nil, err
	}

	expiresAt := now.Add(m.cfg.Lifetime)
	created, err := m.provider.CreateSubscription(ctx, &graph.SubscriptionRequest{
		ChangeType:                sub.ChangeType,
		NotificationURL:           sub.NotificationURL,
		Resource:                  resource,
		ExpirationDateTime:        expiresAt.UTC().Format(time.RFC3339),
		ClientState:               sub.ClientState,
		LatestSupportedTLSVersion: "v1_2",
	})
	if err != nil {
		sub.Status = StatusFailed
		sub.LastError = err.Error()
		if updateErr := m.repo.Update(ctx, sub); updateErr != nil {
			slog.Error("Failed to mark subscription FAILED", "id", sub.ID, "error", updateErr)
		}

		if graph.IsRejected(err) {
			m.warnings.Raise(warning.CategoryProviderRejected, warning.SeverityError,
				fmt.Sprintf("provider rejected subscription for %s %s: %v", resourceType, resource, err),
				"subscription-manager")
		} else {
			m.warnings.Raise(warning.CategorySubscription, warning.SeverityError,
				fmt.Sprintf("failed to create subscription for %s %s: %v", resourceType, resource, err),
				"subscription-manager")
		}
		return nil, err
	}

	if providerExpiry, parseErr := created.ExpiresAt(); parseErr == nil {
		expiresAt = providerExpiry
	}

	sub.GraphID = created.ID
	sub.ExpiresAt = expiresAt
	sub.NextRenewalAt = RenewalTime(now, expiresAt, m.cfg.RenewalWindowFraction)
	sub.Status = StatusActive
	sub.RenewAttempts = 0
	sub.LastError = ""

	if err := m.repo.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("subscription %s created upstream but not persisted: %w", created.ID, err)
	}

	slog.Info("Subscription created",
		"id", sub.ID,
		"graphId", sub.GraphID,
		"resourceType", resourceType,
		"resource", resource,
		"expiresAt", expiresAt)

	return sub, nil
}

// Revoke deletes the live subscription for a tuple upstream and marks the
// record EXPIRED.
func (m *Manager) Revoke(ctx context.Context, accountID string, resourceType ResourceType) error {
	resource, err := ResourceExpression(resourceType, accountID)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(tupleKey(resourceType, accountID, resource))
	defer unlock()

	sub, err := m.repo.FindLiveByTuple(ctx, accountID, resourceType, resource)
	if err != nil {
		return err
	}

	return m.revoke(ctx, sub)
}

// RevokeByID revokes a subscription by local record ID
func (m *Manager) RevokeByID(ctx context.Context, id string) error {
	sub, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(sub.TupleKey())
	defer unlock()

	return m.revoke(ctx, sub)
}

func (m *Manager) revoke(ctx context.Context, sub *Subscription) error {
	if sub.GraphID != "" {
		if err := m.provider.DeleteSubscription(ctx, sub.GraphID); err != nil {
			return fmt.Errorf("failed to delete upstream subscription %s: %w", sub.GraphID, err)
		}
	}

	if err := m.repo.UpdateStatus(ctx, sub.ID, StatusExpired); err != nil {
		return err
	}

	slog.Info("Subscription revoked", "id", sub.ID, "graphId", sub.GraphID)
	return nil
}

// ForceRenew renews a subscription immediately, outside the renewal window
func (m *Manager) ForceRenew(ctx context.Context, id string) (*Subscription, error) {
	sub, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.IsLive() {
		return nil, fmt.Errorf("subscription %s is %s: %w", id, sub.Status, ErrNotLive)
	}

	unlock := m.locks.Lock(sub.TupleKey())
	defer unlock()

	// Re-read under the lock, the renewal loop may have advanced it
	sub, err = m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.renewOnce(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ListUpstream proxies the provider's view of current subscriptions
func (m *Manager) ListUpstream(ctx context.Context) ([]graph.SubscriptionResource, error) {
	return m.provider.ListSubscriptions(ctx)
}

// Repository exposes the backing store for read-side handlers
func (m *Manager) Repository() Repository {
	return m.repo
}

// Name implements lifecycle.Service
func (m *Manager) Name() string {
	return "subscription-manager"
}

// Start runs the renewal loop until ctx ends. Implements lifecycle.Service.
func (m *Manager) Start(ctx context.Context) error {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	slog.Info("Subscription renewal loop started", "interval", m.cfg.CheckInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// Stop implements lifecycle.Service
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-ctx.Done():
	}
	return nil
}

// Health implements lifecycle.Service. Unhealthy when the loop has not
// scanned for three intervals.
func (m *Manager) Health() error {
	m.mu.Lock()
	last := m.lastScan
	m.mu.Unlock()

	if last.IsZero() {
		return nil // not yet started
	}
	if time.Since(last) > 3*m.cfg.CheckInterval {
		return fmt.Errorf("renewal loop stalled, last scan %s ago", time.Since(last).Round(time.Second))
	}
	return nil
}

// scan renews due subscriptions and runs the terminal-record janitor
func (m *Manager) scan(ctx context.Context) {
	m.mu.Lock()
	m.lastScan = time.Now()
	runJanitor := time.Since(m.lastJanitor) > time.Hour
	if runJanitor {
		m.lastJanitor = time.Now()
	}
	m.mu.Unlock()

	due, err := m.repo.FindDueForRenewal(ctx, time.Now())
	if err != nil {
		slog.Error("Failed to scan for due renewals", "error", err)
		return
	}

	for _, sub := range due {
		m.renewWithLock(ctx, sub)
	}

	m.updateStatusGauges(ctx)

	if runJanitor {
		cutoff := time.Now().Add(-m.cfg.RecordGracePeriod)
		if removed, err := m.repo.DeleteTerminalBefore(ctx, cutoff); err != nil {
			slog.Error("Janitor pass failed", "error", err)
		} else if removed > 0 {
			slog.Info("Removed terminal subscription records", "count", removed)
		}
	}
}

func (m *Manager) renewWithLock(ctx context.Context, sub *Subscription) {
	unlock := m.locks.Lock(sub.TupleKey())
	defer unlock()

	// Re-read under the lock
	current, err := m.repo.FindByID(ctx, sub.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error("Failed to reload subscription for renewal", "id", sub.ID, "error", err)
		}
		return
	}
	if !current.IsLive() || current.NextRenewalAt.After(time.Now()) {
		return
	}

	if err := m.renewOnce(ctx, current); err != nil {
		slog.Warn("Renewal attempt failed",
			"id", current.ID,
			"graphId", current.GraphID,
			"attempts", current.RenewAttempts,
			"error", err)
	}
}

// renewOnce performs a single renewal attempt and persists the outcome.
// Tuple lock must be held. On attempt exhaustion or passed expiry the
// subscription is replaced.
func (m *Manager) renewOnce(ctx context.Context, sub *Subscription) error {
	now := time.Now()
	newExpiry := now.Add(m.cfg.Lifetime)

	renewed, err := m.provider.RenewSubscription(ctx, sub.GraphID, newExpiry)
	if err == nil {
		if providerExpiry, parseErr := renewed.ExpiresAt(); parseErr == nil {
			newExpiry = providerExpiry
		}

		sub.ExpiresAt = newExpiry
		sub.NextRenewalAt = RenewalTime(now, newExpiry, m.cfg.RenewalWindowFraction)
		sub.Status = StatusActive
		sub.RenewAttempts = 0
		sub.LastError = ""

		if err := m.repo.Update(ctx, sub); err != nil {
			return err
		}

		metrics.ManagerRenewals.WithLabelValues("success").Inc()
		slog.Info("Subscription renewed",
			"id", sub.ID,
			"graphId", sub.GraphID,
			"expiresAt", newExpiry)
		return nil
	}

	metrics.ManagerRenewals.WithLabelValues("failed").Inc()
	sub.RenewAttempts++
	sub.LastError = err.Error()

	// A rejected renewal will never succeed; an expired upstream
	// subscription cannot be renewed either. Replace immediately.
	exhausted := graph.IsRejected(err) ||
		sub.RenewAttempts >= m.cfg.Retry.MaxAttempts ||
		now.After(sub.ExpiresAt)

	if !exhausted {
		retryAt := now.Add(m.cfg.Retry.Delay(sub.RenewAttempts))
		if retryAt.After(sub.ExpiresAt) {
			retryAt = sub.ExpiresAt
		}
		sub.Status = StatusExpiring
		sub.NextRenewalAt = retryAt

		if updateErr := m.repo.Update(ctx, sub); updateErr != nil {
			return updateErr
		}
		return err
	}

	return m.replace(ctx, sub, err)
}

// replace marks the old record FAILED and creates a fresh subscription for
// the same tuple. The newest active subscription wins; the old upstream one
// is deleted so the provider cannot deliver through both.
func (m *Manager) replace(ctx context.Context, old *Subscription, cause error) error {
	old.Status = StatusFailed
	if err := m.repo.Update(ctx, old); err != nil {
		return err
	}

	m.warnings.Raise(warning.CategoryRenewal, warning.SeverityError,
		fmt.Sprintf("renewal abandoned for %s %s after %d attempts, re-creating: %v",
			old.ResourceType, old.Resource, old.RenewAttempts, cause),
		"subscription-manager")

	replacement, err := m.createSubscription(ctx, old.AccountID, old.ResourceType, old.Resource)
	if err != nil {
		return fmt.Errorf("failed to re-create subscription for %s: %w", old.Resource, err)
	}

	// Old upstream subscription loses, remove it to prevent double delivery
	if old.GraphID != "" && old.GraphID != replacement.GraphID {
		if err := m.provider.DeleteSubscription(ctx, old.GraphID); err != nil {
			slog.Warn("Failed to delete superseded upstream subscription",
				"graphId", old.GraphID,
				"error", err)
		}
	}

	metrics.ManagerRenewals.WithLabelValues("recreated").Inc()
	slog.Info("Subscription replaced",
		"oldGraphId", old.GraphID,
		"newGraphId", replacement.GraphID,
		"resource", old.Resource)
	return nil
}

func (m *Manager) updateStatusGauges(ctx context.Context) {
	for _, status := range []Status{StatusPending, StatusActive, StatusExpiring, StatusExpired, StatusFailed} {
		subs, err := m.repo.FindByStatus(ctx, status)
		if err != nil {
			continue
		}
		metrics.ManagerActiveSubscriptions.WithLabelValues(string(status)).Set(float64(len(subs)))
	}
}

func tupleKey(resourceType ResourceType, accountID, resource string) string {
	return string(resourceType) + "|" + accountID + "|" + resource
}

// keyedMutex serializes work per tuple key
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
