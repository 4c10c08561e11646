// Package resilience provides retry, error classification, and circuit
// breaking for calls to the website fetcher and the model gateway.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Error types recorded alongside per-record failures.
const (
	ErrorTypeTransient         = "transient"
	ErrorTypeResourceExhausted = "resource_exhausted"
	ErrorTypePermanent         = "permanent"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// Resource exhaustion reasons.
const (
	ReasonRateLimited    = "rate_limited"    // HTTP 429
	ReasonQuotaExhausted = "quota_exhausted" // HTTP 402
	ReasonCircuitOpen    = "circuit_open"
)

// ResourceExhaustedError signals that a metered upstream refused service.
// Every subsequent call would fail the same way, so callers stop the whole
// batch instead of spending retry budget on it.
type ResourceExhaustedError struct {
	Err        error
	StatusCode int
	Reason     string
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ResourceExhaustedError) Unwrap() error {
	return e.Err
}

// NewResourceExhaustedError builds a ResourceExhaustedError from an HTTP status.
func NewResourceExhaustedError(err error, statusCode int) *ResourceExhaustedError {
	reason := ReasonRateLimited
	if statusCode == 402 {
		reason = ReasonQuotaExhausted
	}
	return &ResourceExhaustedError{Err: err, StatusCode: statusCode, Reason: reason}
}

// IsResourceExhausted reports whether err (or any error in its chain) is a
// ResourceExhaustedError.
func IsResourceExhausted(err error) bool {
	var re *ResourceExhaustedError
	return errors.As(err, &re)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures). Resource exhaustion is never
// transient.
func IsTransient(err error) bool {
	if err == nil || IsResourceExhausted(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"context deadline exceeded",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry. 429 is excluded: the
// model gateway's rate limit is handled as resource exhaustion.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// ClassifyError categorizes an error for per-record failure reporting.
func ClassifyError(err error) string {
	switch {
	case IsResourceExhausted(err):
		return ErrorTypeResourceExhausted
	case IsTransient(err):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}
