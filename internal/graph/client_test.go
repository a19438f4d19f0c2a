package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.graphrelay.tech/internal/retry"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(ClientConfig{
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	}, &StaticTokenSource{Value: "test-token"})

	return client, server
}

func TestCreateSubscription(t *testing.T) {
	var gotAuth string
	var gotBody SubscriptionRequest

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/subscriptions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(SubscriptionResource{
			ID:                 "sub-123",
			Resource:           gotBody.Resource,
			ClientState:        gotBody.ClientState,
			ExpirationDateTime: gotBody.ExpirationDateTime,
		})
	}))

	sub, err := client.CreateSubscription(context.Background(), &SubscriptionRequest{
		ChangeType:                "created",
		NotificationURL:           "https://relay.example.com/webhooks/email",
		Resource:                  "/users/user-1/messages",
		ExpirationDateTime:        time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		ClientState:               "secret-state",
		LatestSupportedTLSVersion: "v1_2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Errorf("expected bearer token header, got %q", gotAuth)
	}
	if gotBody.LatestSupportedTLSVersion != "v1_2" {
		t.Errorf("expected latestSupportedTlsVersion v1_2, got %q", gotBody.LatestSupportedTLSVersion)
	}
	if sub.ID != "sub-123" {
		t.Errorf("expected sub-123, got %q", sub.ID)
	}
}

func TestRenewSubscriptionSendsExpiration(t *testing.T) {
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/subscriptions/sub-123" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["expirationDateTime"] != expires.Format(time.RFC3339) {
			t.Errorf("unexpected expirationDateTime: %q", body["expirationDateTime"])
		}

		json.NewEncoder(w).Encode(SubscriptionResource{
			ID:                 "sub-123",
			ExpirationDateTime: expires.Format(time.RFC3339),
		})
	}))

	sub, err := client.RenewSubscription(context.Background(), "sub-123", expires)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := sub.ExpiresAt()
	if err != nil {
		t.Fatalf("failed to parse expiry: %v", err)
	}
	if !got.Equal(expires) {
		t.Errorf("expected expiry %v, got %v", expires, got)
	}
}

func TestDeleteSubscriptionTreats404AsGone(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"ResourceNotFound","message":"not found"}}`))
	}))

	if err := client.DeleteSubscription(context.Background(), "gone"); err != nil {
		t.Fatalf("expected nil for 404 delete, got %v", err)
	}
}

func TestTransientErrorsRetried(t *testing.T) {
	var calls int32

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(struct {
			Value []SubscriptionResource `json:"value"`
		}{Value: []SubscriptionResource{{ID: "sub-1"}}})
	}))

	subs, err := client.ListSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "sub-1" {
		t.Errorf("unexpected subscriptions: %+v", subs)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRejectedErrorNotRetried(t *testing.T) {
	var calls int32

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"InvalidRequest","message":"bad notificationUrl"}}`))
	}))

	_, err := client.CreateSubscription(context.Background(), &SubscriptionRequest{})
	if !IsRejected(err) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 call (no retries), got %d", calls)
	}
}

func TestUnauthorizedInvalidatesAndRetriesOnce(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(struct {
			Value []SubscriptionResource `json:"value"`
		}{})
	}))
	defer server.Close()

	tokens := &countingTokenSource{}
	client := NewClient(ClientConfig{
		BaseURL: server.URL,
		Retry:   retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, tokens)

	if _, err := client.ListSubscriptions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.invalidations != 1 {
		t.Errorf("expected 1 token invalidation, got %d", tokens.invalidations)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetryAfterParsed(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "7")

	err := classifyStatus(http.StatusTooManyRequests, header, nil)

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if te.RetryAfter != 7*time.Second {
		t.Errorf("expected RetryAfter 7s, got %v", te.RetryAfter)
	}
}

type countingTokenSource struct {
	invalidations int
}

func (s *countingTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	return "token", time.Now().Add(time.Hour), nil
}

func (s *countingTokenSource) Invalidate() {
	s.invalidations++
}
