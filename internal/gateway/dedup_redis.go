package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupStore keeps event IDs in Redis with a TTL equal to the
// retention window, so dedup state survives restarts and is shared when
// more than one relay instance fronts the same subscriptions.
type RedisDedupStore struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// RedisDedupConfig holds configuration for the Redis dedup store
type RedisDedupConfig struct {
	// URL is a redis:// connection URL
	URL string

	// Prefix is the key prefix (default "graphrelay:dedup:")
	Prefix string

	// Window is the retention window for event IDs
	Window time.Duration
}

// NewRedisDedupStore creates a Redis-backed dedup store and verifies the
// connection.
func NewRedisDedupStore(cfg RedisDedupConfig) (*RedisDedupStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "graphrelay:dedup:"
	}

	return &RedisDedupStore{
		client: client,
		prefix: prefix,
		window: cfg.Window,
	}, nil
}

// NewRedisDedupStoreFromClient wraps an existing client, used in tests
func NewRedisDedupStoreFromClient(client *redis.Client, prefix string, window time.Duration) *RedisDedupStore {
	if prefix == "" {
		prefix = "graphrelay:dedup:"
	}
	return &RedisDedupStore{client: client, prefix: prefix, window: window}
}

// Seen implements DedupStore. Read-only existence check; the key is
// written by Mark once the event is queued.
func (s *RedisDedupStore) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

// Mark implements DedupStore. SET with a TTL equal to the retention
// window; redeliveries within the window then report as duplicates.
func (s *RedisDedupStore) Mark(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, s.prefix+eventID, 1, s.window).Err(); err != nil {
		return fmt.Errorf("dedup mark failed: %w", err)
	}
	return nil
}

// Ping checks the Redis connection, used by health checks
func (s *RedisDedupStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements DedupStore
func (s *RedisDedupStore) Close() error {
	return s.client.Close()
}
