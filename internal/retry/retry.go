// Package retry provides the shared retry-with-backoff policy used by the
// Graph client, the subscription manager, and the dispatcher.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first
	MaxAttempts int

	// BaseDelay is the delay after the first failed attempt
	BaseDelay time.Duration

	// MaxDelay caps the computed delay
	MaxDelay time.Duration

	// Jitter is the fraction of the delay randomized (0 disables jitter).
	// A value of 0.2 spreads each delay over [0.8d, 1.2d].
	Jitter float64
}

// DefaultPolicy returns the policy used when a component does not configure
// its own.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Jitter:      0.2,
	}
}

// Delay returns the backoff delay before the given attempt (1-based: the
// delay after attempt n, before attempt n+1). Doubling schedule with jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}

	return d
}

// Retryable decides whether an error is worth another attempt. A nil
// predicate retries every error.
type Retryable func(error) bool

// Do runs op up to MaxAttempts times, sleeping the backoff schedule between
// attempts. It returns nil on the first success, the last error once
// attempts are exhausted or the error is not retryable, and ctx.Err() if the
// context ends while waiting.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, retryable Retryable) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
