package warning

import (
	"testing"
	"time"
)

func TestRaiseRecordsWarning(t *testing.T) {
	svc := NewInMemoryService()

	svc.Raise(CategoryRenewal, SeverityError, "renewal failed", "manager")

	warnings := svc.All()
	if len(warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(warnings))
	}

	w := warnings[0]
	if w.Category != CategoryRenewal {
		t.Errorf("Expected category %s, got %s", CategoryRenewal, w.Category)
	}
	if w.Severity != SeverityError {
		t.Errorf("Expected severity ERROR, got %s", w.Severity)
	}
	if w.Message != "renewal failed" {
		t.Errorf("Unexpected message: %s", w.Message)
	}
	if w.Source != "manager" {
		t.Errorf("Unexpected source: %s", w.Source)
	}
	if w.Count != 1 {
		t.Errorf("Expected count 1, got %d", w.Count)
	}
	if w.Acknowledged {
		t.Error("New warning should not be acknowledged")
	}
}

func TestRaiseCollapsesRepeats(t *testing.T) {
	svc := NewInMemoryService()

	for i := 0; i < 5; i++ {
		svc.Raise(CategorySpoofed, SeverityWarning, "clientState mismatch for sub-1", "gateway")
	}

	warnings := svc.All()
	if len(warnings) != 1 {
		t.Fatalf("Expected repeats collapsed to 1 warning, got %d", len(warnings))
	}
	if warnings[0].Count != 5 {
		t.Errorf("Expected count 5, got %d", warnings[0].Count)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	svc := NewInMemoryServiceWithLimit(10)

	for i := 0; i < 15; i++ {
		svc.Raise(CategoryDelivery, SeverityError, "delivery failed "+string(rune('a'+i)), "dispatcher")
	}

	if got := svc.Count(); got > 10 {
		t.Errorf("Expected at most 10 warnings, got %d", got)
	}
}

func TestAllSortedNewestFirst(t *testing.T) {
	svc := NewInMemoryService()

	svc.Raise(CategoryHealth, SeverityInfo, "first", "test")
	time.Sleep(10 * time.Millisecond)
	svc.Raise(CategoryHealth, SeverityInfo, "second", "test")
	time.Sleep(10 * time.Millisecond)
	svc.Raise(CategoryHealth, SeverityInfo, "third", "test")

	warnings := svc.All()
	if len(warnings) != 3 {
		t.Fatalf("Expected 3 warnings, got %d", len(warnings))
	}
	if warnings[0].Message != "third" {
		t.Error("First warning should be the newest")
	}
	if warnings[2].Message != "first" {
		t.Error("Last warning should be the oldest")
	}
}

func TestBySeverityCaseInsensitive(t *testing.T) {
	svc := NewInMemoryService()

	svc.Raise(CategoryDelivery, SeverityError, "error 1", "test")
	svc.Raise(CategoryDelivery, SeverityWarning, "warning 1", "test")
	svc.Raise(CategoryDelivery, SeverityError, "error 2", "test")

	if got := len(svc.BySeverity("ERROR")); got != 2 {
		t.Errorf("Expected 2 ERROR warnings, got %d", got)
	}
	if got := len(svc.BySeverity("warning")); got != 1 {
		t.Errorf("Expected 1 WARNING warning (case insensitive), got %d", got)
	}
}

func TestAcknowledge(t *testing.T) {
	svc := NewInMemoryService()

	svc.Raise(CategorySubscription, SeverityError, "create rejected", "manager")
	id := svc.All()[0].ID

	if !svc.Acknowledge(id) {
		t.Error("Should return true for existing warning")
	}
	if len(svc.Unacknowledged()) != 0 {
		t.Error("Acknowledged warning should not appear in unacknowledged list")
	}
	if svc.Acknowledge("missing-id") {
		t.Error("Should return false for unknown warning")
	}
}

func TestClearOlderThan(t *testing.T) {
	svc := NewInMemoryService()

	svc.Raise(CategoryHealth, SeverityInfo, "recent", "test")

	svc.mu.Lock()
	svc.byID["old"] = &Warning{
		ID:        "old",
		Category:  CategoryHealth,
		Severity:  SeverityInfo,
		Message:   "old",
		Timestamp: time.Now().Add(-48 * time.Hour),
		Source:    "test",
		Count:     1,
	}
	svc.mu.Unlock()

	removed := svc.ClearOlderThan(time.Now().Add(-24 * time.Hour))
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	warnings := svc.All()
	if len(warnings) != 1 || warnings[0].Message != "recent" {
		t.Errorf("Expected only the recent warning to remain, got %+v", warnings)
	}
}
