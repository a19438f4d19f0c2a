package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"go.graphrelay.tech/internal/subscription"
	"go.graphrelay.tech/internal/warning"
)

type fakeLookup struct {
	subs map[string]*subscription.Subscription
}

func (f *fakeLookup) FindByGraphID(ctx context.Context, graphID string) (*subscription.Subscription, error) {
	if sub, ok := f.subs[graphID]; ok {
		return sub, nil
	}
	return nil, subscription.ErrNotFound
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []*Event
	full   bool
}

func (f *fakeDispatcher) Submit(ctx context.Context, event *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return errors.New("queue full")
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testServer(t *testing.T, dispatcher *fakeDispatcher, warnings warning.Service) (*httptest.Server, *fakeLookup) {
	t.Helper()

	lookup := &fakeLookup{subs: map[string]*subscription.Subscription{
		"graph-sub-1": {
			ID:           "rec-1",
			GraphID:      "graph-sub-1",
			AccountID:    "user-1",
			ResourceType: subscription.ResourceTypeEmail,
			ClientState:  "expected-state",
			Status:       subscription.StatusActive,
		},
	}}

	handler := NewHandler(lookup, NewMemoryDedupStore(10*time.Minute), dispatcher, warnings, time.Second)
	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, lookup
}

func notificationBody(subscriptionID, clientState, resourceID string) string {
	return fmt.Sprintf(`{"value":[{
		"subscriptionId": %q,
		"subscriptionExpirationDateTime": "2026-08-27T11:00:00Z",
		"clientState": %q,
		"changeType": "created",
		"resource": "Users/user-1/Messages/%s",
		"resourceData": {"id": %q, "@odata.type": "#Microsoft.Graph.Message"}
	}]}`, subscriptionID, clientState, resourceID, resourceID)
}

func TestValidationHandshakeEchoesToken(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	server, _ := testServer(t, dispatcher, warning.NewInMemoryService())

	resp, err := http.Post(server.URL+"/webhooks/email?validationToken=abc123", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "abc123" {
		t.Errorf("expected body to be exactly the token, got %q", string(body))
	}
	if dispatcher.count() != 0 {
		t.Error("validation handshake must not produce events")
	}
}

func TestValidationTokenURLDecoded(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	server, _ := testServer(t, dispatcher, warning.NewInMemoryService())

	resp, err := http.Post(server.URL+"/webhooks/email?validationToken=Validation%3A+token%2Fvalue", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Validation: token/value" {
		t.Errorf("expected URL-decoded token, got %q", string(body))
	}
}

func TestNotificationAcceptedAndDispatched(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	server, _ := testServer(t, dispatcher, warning.NewInMemoryService())

	resp, err := http.Post(server.URL+"/webhooks/email", "application/json",
		strings.NewReader(notificationBody("graph-sub-1", "expected-state", "msg-1")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("expected 1 event, got %d", dispatcher.count())
	}

	event := dispatcher.events[0]
	if event.SubscriptionID != "graph-sub-1" {
		t.Errorf("unexpected subscription id: %s", event.SubscriptionID)
	}
	if event.ResourceID != "msg-1" {
		t.Errorf("unexpected resource id: %s", event.ResourceID)
	}
	if event.ChangeType != "created" {
		t.Errorf("unexpected change type: %s", event.ChangeType)
	}
	if event.ResourceType != subscription.ResourceTypeEmail {
		t.Errorf("unexpected resource type: %s", event.ResourceType)
	}
	if len(event.RawPayload) == 0 {
		t.Error("expected raw payload preserved")
	}
	if event.EventID == "" {
		t.Error("expected deterministic event id")
	}
}

func TestRedeliveredBatchProducesOneEvent(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	server, _ := testServer(t, dispatcher, warning.NewInMemoryService())

	body := notificationBody("graph-sub-1", "expected-state", "msg-42")

	// Same batch delivered twice, as the provider does when an ack is slow
	for i := 0; i < 2; i++ {
		resp, err := http.Post(server.URL+"/webhooks/email", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("delivery %d: expected 202, got %d", i+1, resp.StatusCode)
		}
	}

	if dispatcher.count() != 1 {
		t.Errorf("expected exactly 1 event from redelivered batch, got %d", dispatcher.count())
	}
}

func TestClientStateMismatchDropped(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	warnings := warning.NewInMemoryService()
	server, _ := testServer(t, dispatcher, warnings)

	resp, err := http.Post(server.URL+"/webhooks/email", "application/json",
		strings.NewReader(notificationBody("graph-sub-1", "wrong-state", "msg-1")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	// Spoofed items never fail the batch
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	if dispatcher.count() != 0 {
		t.Errorf("expected no events, got %d", dispatcher.count())
	}

	spoofed := 0
	for _, w := range warnings.All() {
		if w.Category == warning.CategorySpoofed {
			spoofed++
		}
	}
	if spoofed != 1 {
		t.Errorf("expected a SPOOFED_NOTIFICATION warning, got %d", spoofed)
	}
}

func TestUnknownSubscriptionDropped(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	server, _ := testServer(t, dispatcher, warning.NewInMemoryService())

	resp, err := http.Post(server.URL+"/webhooks/email", "application/json",
		strings.NewReader(notificationBody("graph-sub-unknown", "whatever", "msg-1")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	if dispatcher.count() != 0 {
		t.Errorf("expected no events, got %d", dispatcher.count())
	}
}

func TestQueueFullRejectsBatch(t *testing.T) {
	dispatcher := &fakeDispatcher{full: true}
	server, _ := testServer(t, dispatcher, warning.NewInMemoryService())

	resp, err := http.Post(server.URL+"/webhooks/email", "application/json",
		strings.NewReader(notificationBody("graph-sub-1", "expected-state", "msg-1")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 on backpressure, got %d", resp.StatusCode)
	}
}

func TestRejectedBatchAcceptedOnRedelivery(t *testing.T) {
	dispatcher := &fakeDispatcher{full: true}
	server, _ := testServer(t, dispatcher, warning.NewInMemoryService())

	body := notificationBody("graph-sub-1", "expected-state", "msg-7")

	// Queue full: the batch is 503'd and must leave no dedup trace
	resp, err := http.Post(server.URL+"/webhooks/email", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on backpressure, got %d", resp.StatusCode)
	}

	// Queue drains, the provider redelivers the identical batch
	dispatcher.mu.Lock()
	dispatcher.full = false
	dispatcher.mu.Unlock()

	resp, err = http.Post(server.URL+"/webhooks/email", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 on redelivery, got %d", resp.StatusCode)
	}

	if dispatcher.count() != 1 {
		t.Errorf("redelivered batch produced %d events, want 1", dispatcher.count())
	}
}

func TestMalformedBatchRejected(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	server, _ := testServer(t, dispatcher, warning.NewInMemoryService())

	resp, err := http.Post(server.URL+"/webhooks/email", "application/json",
		strings.NewReader(`{"value": not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEventIDDeterministic(t *testing.T) {
	a := EventID("sub-1", "res-1", "created", "2026-08-27T11:00:00Z")
	b := EventID("sub-1", "res-1", "created", "2026-08-27T11:00:00Z")
	if a != b {
		t.Error("same inputs must produce the same event id")
	}

	c := EventID("sub-1", "res-2", "created", "2026-08-27T11:00:00Z")
	if a == c {
		t.Error("different resource must produce a different event id")
	}

	d := EventID("sub-1", "res-1", "updated", "2026-08-27T11:00:00Z")
	if a == d {
		t.Error("different change type must produce a different event id")
	}
}
