package gateway

import (
	"context"
	"sync"
	"time"
)

// DedupStore remembers event IDs for a retention window so provider
// redeliveries collapse into one event.
type DedupStore interface {
	// Seen reports whether the event ID was marked within the retention
	// window. It never marks.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Mark records the event ID. Called only after the event is queued
	// for delivery: marking earlier would make a rejected batch's
	// redelivery look like a duplicate and lose the event.
	Mark(ctx context.Context, eventID string) error

	// Close releases any backing resources
	Close() error
}

// MemoryDedupStore keeps event IDs in memory. Dedup state is lost on
// restart, which only risks one redelivered duplicate per in-flight batch.
type MemoryDedupStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration

	// sweep bookkeeping
	lastSweep time.Time
}

// NewMemoryDedupStore creates an in-memory dedup store with the given
// retention window.
func NewMemoryDedupStore(window time.Duration) *MemoryDedupStore {
	return &MemoryDedupStore{
		entries:   make(map[string]time.Time),
		window:    window,
		lastSweep: time.Now(),
	}
}

// Seen implements DedupStore
func (s *MemoryDedupStore) Seen(ctx context.Context, eventID string) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[eventID]
	return ok && now.Before(expiry), nil
}

// Mark implements DedupStore
func (s *MemoryDedupStore) Mark(ctx context.Context, eventID string) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > s.window {
		s.sweep(now)
	}

	s.entries[eventID] = now.Add(s.window)
	return nil
}

// sweep drops expired entries (lock must be held)
func (s *MemoryDedupStore) sweep(now time.Time) {
	for id, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, id)
		}
	}
	s.lastSweep = now
}

// Close implements DedupStore
func (s *MemoryDedupStore) Close() error {
	return nil
}

// Len returns the number of tracked IDs, for tests and health reporting
func (s *MemoryDedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
