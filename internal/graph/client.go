// Package graph is a thin authenticated client over the Microsoft Graph
// subscriptions API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.graphrelay.tech/internal/common/metrics"
	"go.graphrelay.tech/internal/retry"
)

// SubscriptionRequest is the wire body for creating a subscription.
type SubscriptionRequest struct {
	ChangeType                string `json:"changeType"`
	NotificationURL           string `json:"notificationUrl"`
	Resource                  string `json:"resource"`
	ExpirationDateTime        string `json:"expirationDateTime"`
	ClientState               string `json:"clientState"`
	LatestSupportedTLSVersion string `json:"latestSupportedTlsVersion"`
}

// SubscriptionResource is a subscription as Graph reports it.
type SubscriptionResource struct {
	ID                 string `json:"id"`
	Resource           string `json:"resource"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	ClientState        string `json:"clientState"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ApplicationID      string `json:"applicationId,omitempty"`
	CreatorID          string `json:"creatorId,omitempty"`
}

// ExpiresAt parses the provider expiration timestamp.
func (s *SubscriptionResource) ExpiresAt() (time.Time, error) {
	return time.Parse(time.RFC3339, s.ExpirationDateTime)
}

// ClientConfig configures the Graph client.
type ClientConfig struct {
	// BaseURL of the Graph API, e.g. https://graph.microsoft.com/v1.0
	BaseURL string
	Timeout time.Duration
	Retry   retry.Policy
}

// Client calls the Graph /subscriptions endpoints with bearer auth,
// automatic 401 token invalidation, and transient-error retries.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	policy     retry.Policy
}

// NewClient creates a Graph client.
func NewClient(cfg ClientConfig, tokens TokenSource) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		tokens:     tokens,
		policy:     policy,
	}
}

// CreateSubscription creates an upstream subscription. Graph performs the
// validation handshake against notificationUrl before this call returns.
func (c *Client) CreateSubscription(ctx context.Context, req *SubscriptionRequest) (*SubscriptionResource, error) {
	var out SubscriptionResource
	if err := c.doWithRetry(ctx, "create", http.MethodPost, "/subscriptions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewSubscription extends the expiry of an existing subscription.
func (c *Client) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (*SubscriptionResource, error) {
	body := map[string]string{
		"expirationDateTime": expiresAt.UTC().Format(time.RFC3339),
	}

	var out SubscriptionResource
	if err := c.doWithRetry(ctx, "renew", http.MethodPatch, "/subscriptions/"+id, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSubscription removes an upstream subscription. A 404 is treated as
// success: the subscription is gone either way.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	err := c.doWithRetry(ctx, "delete", http.MethodDelete, "/subscriptions/"+id, nil, nil)

	var re *RejectedError
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// ListSubscriptions returns all subscriptions owned by this application.
func (c *Client) ListSubscriptions(ctx context.Context) ([]SubscriptionResource, error) {
	var out struct {
		Value []SubscriptionResource `json:"value"`
	}
	if err := c.doWithRetry(ctx, "list", http.MethodGet, "/subscriptions", nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// doWithRetry runs a request through the retry policy. Transient errors are
// retried, honoring any Retry-After hint instead of the computed backoff.
func (c *Client) doWithRetry(ctx context.Context, operation, method, path string, body, out interface{}) error {
	attempts := c.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.do(ctx, operation, method, path, body, out)
		if lastErr == nil {
			return nil
		}

		var te *TransientError
		if !errors.As(lastErr, &te) {
			return lastErr
		}

		if attempt == attempts {
			break
		}

		delay := c.policy.Delay(attempt)
		if te.RetryAfter > 0 {
			delay = te.RetryAfter
		}

		slog.Warn("Graph request failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// do executes a single request. On 401 it invalidates the token and retries
// exactly once with a fresh one.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out interface{}) error {
	err := c.doOnce(ctx, operation, method, path, body, out)
	if err == nil || !IsUnauthorized(err) {
		return err
	}

	slog.Info("Graph returned 401, refreshing token", "operation", operation)
	c.tokens.Invalidate()
	return c.doOnce(ctx, operation, method, path, body, out)
}

func (c *Client) doOnce(ctx context.Context, operation, method, path string, body, out interface{}) error {
	token, _, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire token: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.GraphRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.GraphRequests.WithLabelValues(operation, "error").Inc()
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	metrics.GraphRequests.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	}

	return classifyStatus(resp.StatusCode, resp.Header, respBody)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Message: err.Error()}
	}

	return &TransientError{Message: err.Error()}
}

// classifyStatus maps a non-2xx response to the error taxonomy.
func classifyStatus(statusCode int, header http.Header, body []byte) error {
	msg := parseGraphError(body)

	switch {
	case statusCode == http.StatusUnauthorized:
		return &UnauthorizedError{Message: msg}

	case statusCode == http.StatusTooManyRequests:
		return &TransientError{
			StatusCode: statusCode,
			RetryAfter: parseRetryAfter(header),
			Message:    msg,
		}

	case statusCode >= 500:
		return &TransientError{
			StatusCode: statusCode,
			RetryAfter: parseRetryAfter(header),
			Message:    msg,
		}

	default:
		return &RejectedError{
			StatusCode: statusCode,
			Code:       parseGraphErrorCode(body),
			Message:    msg,
		}
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// parseGraphError extracts the message from a Graph error envelope
// {"error":{"code":"...","message":"..."}}.
func parseGraphError(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(body)
}

func parseGraphErrorCode(body []byte) string {
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		return envelope.Error.Code
	}
	return ""
}
