package graph

import (
	"errors"
	"fmt"
	"time"
)

// TransientError is a retryable provider failure (429, 5xx, network).
// RetryAfter carries the provider's Retry-After hint when present.
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("graph: transient error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("graph: transient error: %s", e.Message)
}

// UnauthorizedError indicates the access token was rejected (401).
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("graph: unauthorized: %s", e.Message)
}

// RejectedError is a non-retryable provider rejection (4xx other than
// 401/429). The request itself is wrong and will never succeed as-is.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph: rejected (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph: rejected (status %d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsUnauthorized reports whether err is a token rejection.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

// IsRejected reports whether err is a permanent provider rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
