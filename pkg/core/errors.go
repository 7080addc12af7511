package core

import (
	"errors"
	"fmt"
)

// Error is the typed error surfaced by the session core.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Wrapped error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error { return e.Wrapped }

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrConfiguration means no model is configured for a requested tier.
	// Fatal to the attempted session start.
	ErrConfiguration ErrorType = "configuration_error"

	// ErrConduitOpen means the conduit collaborator failed to open. Fatal to
	// that start call; the session layer does not retry it.
	ErrConduitOpen ErrorType = "conduit_open_error"

	// ErrNetwork is a mid-session transport failure, retried with bounded
	// backoff before becoming fatal.
	ErrNetwork ErrorType = "network_error"

	// ErrRateLimit is never fatal at the session layer; it is forwarded for
	// orchestration-level tier downgrade.
	ErrRateLimit ErrorType = "rate_limit_error"

	// ErrSummarization surfaces as a failed summary result, never fatal to
	// the orchestrator itself.
	ErrSummarization ErrorType = "summarization_error"
)

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string) *Error {
	return &Error{Type: ErrConfiguration, Message: message}
}

// NewConduitOpenError wraps a conduit open failure.
func NewConduitOpenError(underlying error) *Error {
	return &Error{
		Type:    ErrConduitOpen,
		Message: fmt.Sprintf("open conduit: %v", underlying),
		Wrapped: underlying,
	}
}

// NewNetworkError wraps a mid-session transport failure.
func NewNetworkError(underlying error) *Error {
	return &Error{
		Type:    ErrNetwork,
		Message: fmt.Sprintf("transport: %v", underlying),
		Wrapped: underlying,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message}
}

// NewSummarizationError wraps a summarization collaborator failure.
func NewSummarizationError(underlying error) *Error {
	return &Error{
		Type:    ErrSummarization,
		Message: fmt.Sprintf("summarize: %v", underlying),
		Wrapped: underlying,
	}
}

// IsType reports whether err is a core Error of the given type.
func IsType(err error, t ErrorType) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type == t
	}
	return false
}

// IsRetryable returns true if the error is retryable at the session layer.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrNetwork
}
