package gateway

import (
	"context"
	"testing"
	"time"
)

func TestMemoryDedupSeenDoesNotMark(t *testing.T) {
	store := NewMemoryDedupStore(time.Minute)

	for i := 0; i < 2; i++ {
		seen, err := store.Seen(context.Background(), "event-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen {
			t.Fatalf("check %d: unmarked id reported as seen", i+1)
		}
	}
}

func TestMemoryDedupMarkedIDIsSeen(t *testing.T) {
	store := NewMemoryDedupStore(time.Minute)

	if err := store.Mark(context.Background(), "event-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen, err := store.Seen(context.Background(), "event-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen {
		t.Error("marked id within the window should be seen")
	}
	if seen, _ := store.Seen(context.Background(), "event-2"); seen {
		t.Error("different id should not be seen")
	}
}

func TestMemoryDedupWindowExpiry(t *testing.T) {
	store := NewMemoryDedupStore(20 * time.Millisecond)

	store.Mark(context.Background(), "event-1")

	time.Sleep(40 * time.Millisecond)

	if seen, _ := store.Seen(context.Background(), "event-1"); seen {
		t.Error("sighting after the window should not be seen")
	}
}

func TestMemoryDedupSweepBounds(t *testing.T) {
	store := NewMemoryDedupStore(10 * time.Millisecond)

	for i := 0; i < 100; i++ {
		store.Mark(context.Background(), string(rune('a'+i%26))+string(rune('0'+i/26)))
	}

	time.Sleep(20 * time.Millisecond)
	// This call crosses the sweep interval and prunes expired entries
	store.Mark(context.Background(), "fresh")

	if n := store.Len(); n > 2 {
		t.Errorf("expected expired entries swept, still tracking %d", n)
	}
}
