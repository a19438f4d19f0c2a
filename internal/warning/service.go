// Package warning keeps an in-memory feed of operator-visible problems:
// spoofed notifications, provider rejections, failed deliveries, renewal
// trouble. Exposed over the management API.
package warning

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// repeatWindow collapses identical warnings raised in quick succession
// into one entry with an incremented count.
const repeatWindow = time.Minute

// Service manages operator warnings
type Service interface {
	// Raise records a warning
	Raise(category, severity, message, source string)

	// All returns all warnings, newest first
	All() []Warning

	// Unacknowledged returns warnings not yet acknowledged, newest first
	Unacknowledged() []Warning

	// BySeverity returns warnings with the given severity, newest first
	BySeverity(severity string) []Warning

	// Acknowledge marks a warning acknowledged, reporting whether it exists
	Acknowledge(id string) bool

	// ClearOlderThan removes warnings first raised before the cutoff
	ClearOlderThan(cutoff time.Time) int
}

// InMemoryService stores warnings in memory with a bounded capacity
type InMemoryService struct {
	mu   sync.RWMutex
	byID map[string]*Warning
	max  int
}

// NewInMemoryService creates a warning service holding at most 1000 entries
func NewInMemoryService() *InMemoryService {
	return NewInMemoryServiceWithLimit(1000)
}

// NewInMemoryServiceWithLimit creates a warning service with a custom capacity
func NewInMemoryServiceWithLimit(max int) *InMemoryService {
	return &InMemoryService{
		byID: make(map[string]*Warning),
		max:  max,
	}
}

// Raise records a warning. An identical warning raised within the repeat
// window bumps the existing entry instead of creating a new one.
func (s *InMemoryService) Raise(category, severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	for _, w := range s.byID {
		if w.Category == category && w.Source == source && w.Message == message &&
			now.Sub(w.Timestamp) < repeatWindow {
			w.Count++
			return
		}
	}

	if len(s.byID) >= s.max {
		s.evictOldest()
	}

	w := &Warning{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: now,
		Source:    source,
		Count:     1,
	}
	s.byID[w.ID] = w

	slog.Info("Warning raised",
		"severity", severity,
		"category", category,
		"source", source,
		"message", message)
}

// evictOldest removes the oldest warning (lock must be held)
func (s *InMemoryService) evictOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, w := range s.byID {
		if oldestID == "" || w.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = w.Timestamp
		}
	}

	if oldestID != "" {
		delete(s.byID, oldestID)
	}
}

func (s *InMemoryService) All() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(nil)
}

func (s *InMemoryService) Unacknowledged() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(w *Warning) bool { return !w.Acknowledged })
}

func (s *InMemoryService) BySeverity(severity string) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(w *Warning) bool { return strings.EqualFold(w.Severity, severity) })
}

// sorted returns warnings newest first with an optional filter (lock held)
func (s *InMemoryService) sorted(filter func(*Warning) bool) []Warning {
	result := make([]Warning, 0, len(s.byID))

	for _, w := range s.byID {
		if filter == nil || filter(w) {
			result = append(result, *w)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})

	return result
}

func (s *InMemoryService) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.byID[id]
	if !ok {
		return false
	}

	w.Acknowledged = true
	slog.Info("Warning acknowledged", "warningId", id)
	return true
}

func (s *InMemoryService) ClearOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for id, w := range s.byID {
		if w.Timestamp.Before(cutoff) {
			delete(s.byID, id)
			removed++
		}
	}

	if removed > 0 {
		slog.Info("Cleared old warnings", "count", removed)
	}
	return removed
}

// Count returns the current number of warnings
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
