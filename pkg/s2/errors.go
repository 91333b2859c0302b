package s2

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies upstream failures into a closed set so callers can
// map them to HTTP status codes without inspecting transport details.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindRateLimited  ErrorKind = "RATE_LIMITED"
	KindTimeout      ErrorKind = "TIMEOUT"
	KindNetworkError ErrorKind = "NETWORK_ERROR"
	KindAuthError    ErrorKind = "AUTH_ERROR"
	KindUnavailable  ErrorKind = "UNAVAILABLE"
	KindOther        ErrorKind = "OTHER"
)

// APIError is the error type returned by Client for upstream failures.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// kindForStatus maps an upstream HTTP status to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindAuthError
	case status == 502 || status == 503:
		return KindUnavailable
	case status == 408 || status == 504:
		return KindTimeout
	default:
		return KindOther
	}
}

// classifyTransport wraps a transport-level failure. Deadline expiry in any
// form becomes Timeout; connection failures become NetworkError.
func classifyTransport(err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Kind: KindTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Kind: KindTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &APIError{Kind: KindTimeout, Message: "request cancelled"}
	}
	return &APIError{Kind: KindNetworkError, Message: err.Error()}
}

// KindOf extracts the error kind, or KindOther for errors that did not come
// from the upstream client.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindOther
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
