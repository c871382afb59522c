// Package errors defines the unified error kinds for the orchestrator.
// Lane, provider, and gateway faults are all mapped to these kinds so
// that handlers, metrics, and SSE terminal events agree on vocabulary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds as observable categories.
const (
	KindValidation      = "validation_error"
	KindRateLimited     = "rate_limited"
	KindCircuitOpen     = "circuit_open"
	KindLaneTimeout     = "lane_timeout"
	KindLaneError       = "lane_error"
	KindProviderTimeout = "provider_timeout"
	KindProviderError   = "provider_error"
	KindBudgetExceeded  = "budget_exceeded"
	KindStreamTimedOut  = "stream_timed_out"
	KindInternal        = "internal"
)

// ErrCircuitOpen is returned when a provider or lane circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

// KindError is a categorized error carrying everything handlers need
// for the client response and the log line.
type KindError struct {
	Kind       string `json:"error_kind"`
	Message    string `json:"message"`
	Subject    string `json:"subject,omitempty"` // provider id or lane name
	StatusCode int    `json:"-"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *KindError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("[%s] %s (subject=%s)", e.Kind, e.Message, e.Subject)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the status code for the client response.
func (e *KindError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// NewValidation creates a validation_error (400).
func NewValidation(message string) *KindError {
	return &KindError{Kind: KindValidation, Message: message, StatusCode: http.StatusBadRequest}
}

// NewRateLimited creates a rate_limited error (429).
func NewRateLimited(message string) *KindError {
	return &KindError{Kind: KindRateLimited, Message: message, StatusCode: http.StatusTooManyRequests, Retryable: true}
}

// NewCircuitOpen creates a circuit_open error for a provider or lane.
func NewCircuitOpen(subject string) *KindError {
	return &KindError{
		Kind:       KindCircuitOpen,
		Message:    "circuit breaker is open",
		Subject:    subject,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// NewLaneTimeout creates a lane_timeout error. Lane-local, non-fatal.
func NewLaneTimeout(lane string) *KindError {
	return &KindError{Kind: KindLaneTimeout, Message: "lane deadline exceeded", Subject: lane, Retryable: true}
}

// NewLaneError creates a lane_error. Lane-local, non-fatal.
func NewLaneError(lane, message string) *KindError {
	return &KindError{Kind: KindLaneError, Message: message, Subject: lane}
}

// NewProviderTimeout creates a provider_timeout error (504).
func NewProviderTimeout(provider string) *KindError {
	return &KindError{
		Kind:       KindProviderTimeout,
		Message:    "provider call deadline exceeded",
		Subject:    provider,
		StatusCode: http.StatusGatewayTimeout,
		Retryable:  true,
	}
}

// NewProviderError creates a provider_error (502).
func NewProviderError(provider, message string) *KindError {
	return &KindError{
		Kind:       KindProviderError,
		Message:    message,
		Subject:    provider,
		StatusCode: http.StatusBadGateway,
	}
}

// NewBudgetExceeded creates a budget_exceeded error for guided-prompt.
func NewBudgetExceeded(message string) *KindError {
	return &KindError{Kind: KindBudgetExceeded, Message: message, StatusCode: http.StatusOK}
}

// NewStreamTimedOut creates a stream_timed_out error.
func NewStreamTimedOut() *KindError {
	return &KindError{Kind: KindStreamTimedOut, Message: "stream duration cap reached", Retryable: true}
}

// NewInternal creates an internal error (500). The original message is
// kept server-side only; clients see the kind and trace id.
func NewInternal(message string) *KindError {
	return &KindError{Kind: KindInternal, Message: message, StatusCode: http.StatusInternalServerError}
}

// KindOf extracts the error kind from err, or internal when unknown.
func KindOf(err error) string {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err's kind is retryable for SSE clients.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindLaneTimeout, KindProviderTimeout, KindStreamTimedOut:
		return true
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}
