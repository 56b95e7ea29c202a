// Package blockstore is the REST client for the remote block store.
package blockstore

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// RequestError wraps a failed store call with the operation that issued it.
type RequestError struct {
	Op        string // Operation that failed (e.g., "list", "create")
	Err       error
	Retryable bool
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("blockstore %s failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// HTTPError represents a non-2xx response from the store.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("blockstore %s: HTTP %d %s: %s", e.Op, e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("blockstore %s: HTTP %d %s", e.Op, e.StatusCode, e.Status)
}

// IsRetryable returns true for 5xx errors and 429 (rate limit)
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ValidationError reports a response the client could not make sense of.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("blockstore %s: invalid response: %s", e.Op, e.Reason)
}

// CircuitOpenError indicates the circuit breaker is open
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("blockstore %q: circuit breaker open, service temporarily unavailable", e.Name)
}

func newRequestError(op string, err error) *RequestError {
	return &RequestError{Op: op, Err: err, Retryable: isTransient(err)}
}

// isTransient reports whether err looks like a passing network condition.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// shouldRetry determines if an error should be retried
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable
	}

	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return false
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	return isTransient(err)
}

// UserFriendlyMessage returns a short, user-facing description of a store error.
func UserFriendlyMessage(err error) string {
	if err == nil {
		return ""
	}

	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return "Service temporarily unavailable. Please try again later."
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 401:
			return "Authentication required."
		case httpErr.StatusCode == 403:
			return "Access denied."
		case httpErr.StatusCode == 404:
			return "Block not found."
		case httpErr.StatusCode == 429:
			return "Too many requests. Please slow down."
		case httpErr.StatusCode >= 500:
			return "Server error. Please try again later."
		default:
			return fmt.Sprintf("Request failed (HTTP %d).", httpErr.StatusCode)
		}
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return fmt.Sprintf("Invalid data: %s", validationErr.Reason)
	}

	return "Could not reach the block store. Please try again."
}

// countsAsFailure reports whether err reflects store health. Exhausted
// retries clear Retryable but still count.
func countsAsFailure(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable || isTransient(reqErr.Err)
	}
	return shouldRetry(err)
}
