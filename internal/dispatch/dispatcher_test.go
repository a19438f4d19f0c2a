package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.graphrelay.tech/internal/gateway"
	"go.graphrelay.tech/internal/retry"
	"go.graphrelay.tech/internal/warning"
)

// mockConsumer records deliveries and answers from a scripted function
type mockConsumer struct {
	deliverFunc func(evt *gateway.Event, call int) *DeliveryOutcome
	callCount   atomic.Int32
	mu          sync.Mutex
	delivered   []*gateway.Event
}

func newMockConsumer() *mockConsumer {
	return &mockConsumer{
		deliverFunc: func(evt *gateway.Event, call int) *DeliveryOutcome {
			return &DeliveryOutcome{Result: DeliverySuccess, StatusCode: 200}
		},
	}
}

func (m *mockConsumer) Deliver(ctx context.Context, evt *gateway.Event) *DeliveryOutcome {
	call := int(m.callCount.Add(1))
	m.mu.Lock()
	m.delivered = append(m.delivered, evt)
	m.mu.Unlock()
	return m.deliverFunc(evt, call)
}

func (m *mockConsumer) calls() int {
	return int(m.callCount.Load())
}

func (m *mockConsumer) events() []*gateway.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*gateway.Event{}, m.delivered...)
}

func testDispatcher(t *testing.T, consumer Consumer, warnings warning.Service) *Dispatcher {
	t.Helper()
	if warnings == nil {
		warnings = warning.NewInMemoryService()
	}
	d := NewDispatcher(consumer, warnings, Config{
		QueueCapacity: 100,
		Retry: retry.Policy{
			MaxAttempts: 4,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		DrainTimeout: 2 * time.Second,
	})

	go d.Start(context.Background())
	waitFor(t, time.Second, func() bool { return d.Health() == nil })

	t.Cleanup(func() {
		d.Stop(context.Background())
	})
	return d
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatcherDeliversEvent(t *testing.T) {
	consumer := newMockConsumer()
	d := testDispatcher(t, consumer, nil)

	if err := d.Submit(context.Background(), testEvent("evt-1", "sub-1")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return consumer.calls() == 1 })

	if got := consumer.events()[0].EventID; got != "evt-1" {
		t.Errorf("expected evt-1 delivered, got %s", got)
	}
	waitFor(t, time.Second, func() bool { return len(d.InFlight()) == 0 })
}

func TestDispatcherRetriesTransientThenSucceeds(t *testing.T) {
	consumer := newMockConsumer()
	consumer.deliverFunc = func(evt *gateway.Event, call int) *DeliveryOutcome {
		if call <= 3 {
			return &DeliveryOutcome{Result: DeliveryErrorTransient, StatusCode: 500}
		}
		return &DeliveryOutcome{Result: DeliverySuccess, StatusCode: 200}
	}
	d := testDispatcher(t, consumer, nil)

	if err := d.Submit(context.Background(), testEvent("evt-1", "sub-1")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Three failures, then exactly one successful delivery
	waitFor(t, 2*time.Second, func() bool { return consumer.calls() == 4 })

	time.Sleep(20 * time.Millisecond)
	if consumer.calls() != 4 {
		t.Errorf("expected exactly 4 attempts, got %d", consumer.calls())
	}
	waitFor(t, time.Second, func() bool { return len(d.InFlight()) == 0 })
}

func TestDispatcherDropsRejectedEvent(t *testing.T) {
	consumer := newMockConsumer()
	consumer.deliverFunc = func(evt *gateway.Event, call int) *DeliveryOutcome {
		return &DeliveryOutcome{Result: DeliveryRejected, StatusCode: 400}
	}
	warnings := warning.NewInMemoryService()
	d := testDispatcher(t, consumer, warnings)

	if err := d.Submit(context.Background(), testEvent("evt-1", "sub-1")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return consumer.calls() == 1 })

	time.Sleep(20 * time.Millisecond)
	if consumer.calls() != 1 {
		t.Errorf("rejected event should not be retried, got %d attempts", consumer.calls())
	}

	waitFor(t, time.Second, func() bool { return len(warnings.All()) == 1 })
	if w := warnings.All()[0]; w.Category != warning.CategoryDelivery {
		t.Errorf("expected DELIVERY warning, got %s", w.Category)
	}
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	consumer := newMockConsumer()
	consumer.deliverFunc = func(evt *gateway.Event, call int) *DeliveryOutcome {
		return &DeliveryOutcome{Result: DeliveryErrorTransient, StatusCode: 503,
			Err: errors.New("service unavailable")}
	}
	warnings := warning.NewInMemoryService()
	d := testDispatcher(t, consumer, warnings)

	if err := d.Submit(context.Background(), testEvent("evt-1", "sub-1")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return consumer.calls() == 4 })
	waitFor(t, time.Second, func() bool { return len(warnings.All()) == 1 })

	w := warnings.All()[0]
	if w.Category != warning.CategoryDelivery {
		t.Errorf("expected DELIVERY warning, got %s", w.Category)
	}
	if w.Severity != warning.SeverityError {
		t.Errorf("expected ERROR severity, got %s", w.Severity)
	}
	waitFor(t, time.Second, func() bool { return len(d.InFlight()) == 0 })
}

func TestDispatcherPreservesPerSubscriptionOrder(t *testing.T) {
	consumer := newMockConsumer()
	d := testDispatcher(t, consumer, nil)

	for i := 0; i < 10; i++ {
		evt := testEvent("evt-"+string(rune('a'+i)), "sub-1")
		if err := d.Submit(context.Background(), evt); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return consumer.calls() == 10 })

	events := consumer.events()
	for i := 0; i < 10; i++ {
		want := "evt-" + string(rune('a'+i))
		if events[i].EventID != want {
			t.Fatalf("delivery %d out of order: expected %s, got %s", i, want, events[i].EventID)
		}
	}
}

func TestDuplicateWorkerStartKeepsSingleWorker(t *testing.T) {
	consumer := newMockConsumer()
	consumer.deliverFunc = func(evt *gateway.Event, call int) *DeliveryOutcome {
		time.Sleep(2 * time.Millisecond)
		return &DeliveryOutcome{Result: DeliverySuccess, StatusCode: 200}
	}
	d := testDispatcher(t, consumer, nil)

	queueIface, _ := d.groupQueues.LoadOrStore("sub-1", make(chan *gateway.Event, 100))
	queue := queueIface.(chan *gateway.Event)

	// Racing submitters can both observe the worker as inactive; only
	// the first claim may start one, or two workers drain the same
	// channel and deliveries interleave out of order.
	d.startGroupWorker("sub-1", queue)
	d.startGroupWorker("sub-1", queue)

	for i := 0; i < 10; i++ {
		evt := testEvent("evt-"+string(rune('a'+i)), "sub-1")
		if err := d.Submit(context.Background(), evt); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return consumer.calls() == 10 })

	time.Sleep(20 * time.Millisecond)
	if got := consumer.calls(); got != 10 {
		t.Fatalf("expected exactly 10 deliveries, got %d", got)
	}
	events := consumer.events()
	for i := 0; i < 10; i++ {
		want := "evt-" + string(rune('a'+i))
		if events[i].EventID != want {
			t.Fatalf("delivery %d out of order: expected %s, got %s", i, want, events[i].EventID)
		}
	}
}

func TestDispatcherTracksAttemptsInFlight(t *testing.T) {
	release := make(chan struct{})
	consumer := newMockConsumer()
	consumer.deliverFunc = func(evt *gateway.Event, call int) *DeliveryOutcome {
		<-release
		return &DeliveryOutcome{Result: DeliverySuccess, StatusCode: 200}
	}
	d := testDispatcher(t, consumer, nil)

	if err := d.Submit(context.Background(), testEvent("evt-1", "sub-1")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(d.InFlight()) == 1 })

	tracked := d.InFlight()[0]
	if tracked.EventID != "evt-1" || tracked.Attempts != 1 {
		t.Errorf("unexpected tracking entry: %+v", tracked)
	}

	close(release)
	waitFor(t, time.Second, func() bool { return len(d.InFlight()) == 0 })
}

func TestDispatcherSubmitRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	consumer := newMockConsumer()
	consumer.deliverFunc = func(evt *gateway.Event, call int) *DeliveryOutcome {
		<-release
		return &DeliveryOutcome{Result: DeliverySuccess, StatusCode: 200}
	}

	warnings := warning.NewInMemoryService()
	d := NewDispatcher(consumer, warnings, Config{
		QueueCapacity: 2,
		Retry:         retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		DrainTimeout:  time.Second,
	})
	go d.Start(context.Background())
	waitFor(t, time.Second, func() bool { return d.Health() == nil })
	defer close(release)
	defer d.Stop(context.Background())

	// First event occupies the worker; wait until the consumer holds it
	// so it no longer counts against the queue
	if err := d.Submit(context.Background(), testEvent("evt-0", "sub-1")); err != nil {
		t.Fatalf("submit 0 failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return consumer.calls() == 1 })

	// Next two fill the queue to capacity
	for i := 1; i < 3; i++ {
		if err := d.Submit(context.Background(), testEvent("evt-"+string(rune('0'+i)), "sub-1")); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool { return d.QueueDepth() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Submit(ctx, testEvent("evt-overflow", "sub-1")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDispatcherSubmitAfterStop(t *testing.T) {
	consumer := newMockConsumer()
	warnings := warning.NewInMemoryService()
	d := NewDispatcher(consumer, warnings, Config{
		QueueCapacity: 10,
		Retry:         retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		DrainTimeout:  time.Second,
	})
	go d.Start(context.Background())
	waitFor(t, time.Second, func() bool { return d.Health() == nil })

	d.Stop(context.Background())

	if err := d.Submit(context.Background(), testEvent("evt-1", "sub-1")); !errors.Is(err, ErrNotAccepting) {
		t.Fatalf("expected ErrNotAccepting, got %v", err)
	}
	if d.Health() == nil {
		t.Error("stopped dispatcher should report unhealthy")
	}
}

func TestDispatcherDrainsQueuedEventsOnStop(t *testing.T) {
	consumer := newMockConsumer()
	warnings := warning.NewInMemoryService()
	d := NewDispatcher(consumer, warnings, Config{
		QueueCapacity: 10,
		Retry:         retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		DrainTimeout:  2 * time.Second,
	})
	go d.Start(context.Background())
	waitFor(t, time.Second, func() bool { return d.Health() == nil })

	for i := 0; i < 5; i++ {
		if err := d.Submit(context.Background(), testEvent("evt-"+string(rune('0'+i)), "sub-1")); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	d.Stop(context.Background())

	if consumer.calls() != 5 {
		t.Errorf("expected all 5 queued events delivered during drain, got %d", consumer.calls())
	}
}

func TestDispatcherIndependentSubscriptionsProgress(t *testing.T) {
	blocked := make(chan struct{})
	consumer := newMockConsumer()
	consumer.deliverFunc = func(evt *gateway.Event, call int) *DeliveryOutcome {
		if evt.SubscriptionID == "sub-slow" {
			<-blocked
		}
		return &DeliveryOutcome{Result: DeliverySuccess, StatusCode: 200}
	}
	d := testDispatcher(t, consumer, nil)
	defer close(blocked)

	if err := d.Submit(context.Background(), testEvent("evt-slow", "sub-slow")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := d.Submit(context.Background(), testEvent("evt-fast", "sub-fast")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// The fast subscription completes while the slow one is blocked
	waitFor(t, time.Second, func() bool {
		for _, evt := range consumer.events() {
			if evt.EventID == "evt-fast" && len(d.InFlight()) >= 1 {
				return true
			}
		}
		return false
	})
}
