// Package dispatch delivers canonical events to the downstream consumer
// with per-subscription ordering, bounded queueing and retry.
package dispatch

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
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"go.graphrelay.tech/internal/common/metrics"
	"go.graphrelay.tech/internal/gateway"
)

// DeliveryResult classifies the outcome of a single delivery attempt
type DeliveryResult string

const (
	DeliverySuccess         DeliveryResult = "SUCCESS"
	DeliveryRejected        DeliveryResult = "REJECTED"         // 4xx - don't retry
	DeliveryErrorTransient  DeliveryResult = "ERROR_TRANSIENT"  // 5xx or 429 - retry
	DeliveryErrorConnection DeliveryResult = "ERROR_CONNECTION" // transport failure - retry
)

// DeliveryOutcome is the result of one POST to the consumer
type DeliveryOutcome struct {
	Result     DeliveryResult
	StatusCode int
	Delay      *time.Duration // from Retry-After, overrides backoff when set
	Err        error
}

// Retryable reports whether the attempt may be repeated
func (o *DeliveryOutcome) Retryable() bool {
	return o.Result == DeliveryErrorTransient || o.Result == DeliveryErrorConnection
}

// Consumer posts canonical events downstream
type Consumer interface {
	Deliver(ctx context.Context, evt *gateway.Event) *DeliveryOutcome
}

// ConsumerConfig configures the HTTP consumer
type ConsumerConfig struct {
	// URL is the downstream workflow-engine endpoint
	URL string

	// AuthToken is sent as a Bearer token when non-empty
	AuthToken string

	// Timeout for each delivery request
	Timeout time.Duration

	// CircuitBreaker settings
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32        // Half-open request allowance
	CircuitBreakerInterval    time.Duration // Stats window
	CircuitBreakerRatio       float64       // Failure ratio to trip
	CircuitBreakerTimeout     time.Duration // Time in open state before half-open
	CircuitBreakerMinRequests uint32        // Min requests before evaluating ratio
}

// DefaultConsumerConfig returns production defaults
func DefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Timeout:                   30 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    3,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// HTTPConsumer delivers events via HTTP POST
type HTTPConsumer struct {
	url            string
	authToken      string
	client         *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
}

// NewHTTPConsumer creates a consumer for the given endpoint
func NewHTTPConsumer(cfg *ConsumerConfig) *HTTPConsumer {
	if cfg == nil {
		cfg = DefaultConsumerConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	consumer := &HTTPConsumer{
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}

	if cfg.CircuitBreakerEnabled {
		consumer.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "consumer",
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				slog.Info("Circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String())

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
					metrics.DispatchCircuitBreakerTrips.Inc()
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.DispatchCircuitBreakerState.Set(stateValue)
			},
		})
	}

	return consumer
}

// Deliver posts one event to the consumer. A single attempt; the caller
// owns the retry loop.
func (c *HTTPConsumer) Deliver(ctx context.Context, evt *gateway.Event) *DeliveryOutcome {
	if evt == nil {
		return &DeliveryOutcome{
			Result: DeliveryRejected,
			Err:    errors.New("nil event"),
		}
	}

	if c.circuitBreaker != nil {
		result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
			outcome := c.deliverOnce(ctx, evt)
			if outcome.Result == DeliverySuccess || outcome.Result == DeliveryRejected {
				// Rejections are the consumer answering, not the consumer
				// being down. Only transient failures count toward the trip.
				return outcome, nil
			}
			return outcome, fmt.Errorf("delivery failed: %s", outcome.Result)
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				slog.Warn("Circuit breaker open, skipping delivery",
					"eventId", evt.EventID,
					"target", c.url)
				return &DeliveryOutcome{
					Result: DeliveryErrorConnection,
					Err:    err,
				}
			}
		}

		if outcome, ok := result.(*DeliveryOutcome); ok {
			return outcome
		}
		return &DeliveryOutcome{Result: DeliveryErrorConnection, Err: err}
	}

	return c.deliverOnce(ctx, evt)
}

func (c *HTTPConsumer) deliverOnce(ctx context.Context, evt *gateway.Event) *DeliveryOutcome {
	payload, err := json.Marshal(evt)
	if err != nil {
		return &DeliveryOutcome{
			Result: DeliveryRejected,
			Err:    fmt.Errorf("failed to encode event: %w", err),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryOutcome{
			Result: DeliveryRejected,
			Err:    fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		metrics.DispatchDeliveryDuration.WithLabelValues("error").Observe(duration.Seconds())
		return c.classifyError(evt, err)
	}
	defer resp.Body.Close()

	metrics.DispatchDeliveryDuration.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(duration.Seconds())

	// Drain a bounded amount so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return c.classifyStatus(evt, resp)
}

func (c *HTTPConsumer) classifyStatus(evt *gateway.Event, resp *http.Response) *DeliveryOutcome {
	statusCode := resp.StatusCode

	if statusCode >= 200 && statusCode < 300 {
		return &DeliveryOutcome{
			Result:     DeliverySuccess,
			StatusCode: statusCode,
		}
	}

	if statusCode >= 400 && statusCode < 500 {
		// 429 is backpressure, not rejection
		if statusCode == http.StatusTooManyRequests {
			outcome := &DeliveryOutcome{
				Result:     DeliveryErrorTransient,
				StatusCode: statusCode,
			}
			if delay := parseRetryAfter(resp.Header.Get("Retry-After")); delay > 0 {
				outcome.Delay = &delay
			}
			return outcome
		}

		slog.Warn("Consumer rejected event, will not retry",
			"eventId", evt.EventID,
			"statusCode", statusCode)
		return &DeliveryOutcome{
			Result:     DeliveryRejected,
			StatusCode: statusCode,
		}
	}

	return &DeliveryOutcome{
		Result:     DeliveryErrorTransient,
		StatusCode: statusCode,
	}
}

func (c *HTTPConsumer) classifyError(evt *gateway.Event, err error) *DeliveryOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Delivery timeout",
			"eventId", evt.EventID,
			"error", err)
		return &DeliveryOutcome{
			Result: DeliveryErrorConnection,
			Err:    err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &DeliveryOutcome{
			Result: DeliveryErrorTransient,
			Err:    err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("Network error during delivery",
			"eventId", evt.EventID,
			"error", err,
			"timeout", netErr.Timeout())
		return &DeliveryOutcome{
			Result: DeliveryErrorConnection,
			Err:    err,
		}
	}

	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), "dial tcp") {
		return &DeliveryOutcome{
			Result: DeliveryErrorConnection,
			Err:    err,
		}
	}

	return &DeliveryOutcome{
		Result: DeliveryErrorTransient,
		Err:    err,
	}
}

// parseRetryAfter parses an integer-seconds Retry-After header value
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
