package domain

import (
	"errors"
	"fmt"
)

// Domain const errors
var (
	ErrNotFound            = errors.New("resource not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrCannotCancel        = errors.New("notification cannot be cancelled")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
	ErrUnavailable         = errors.New("dependency unavailable")
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// ErrorKind classifies a dispatch failure for routing purposes.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "PROVIDER_TRANSIENT"
	ErrorKindPermanent ErrorKind = "PROVIDER_PERMANENT"
	ErrorKindTimeout   ErrorKind = "TIMEOUT"
	ErrorKindUnknown   ErrorKind = "UNKNOWN"
)

// ProviderError is the classified failure an adapter signals upward.
// Timeouts are routed like transients; unknown errors are retried.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Retryable  bool
}

func (e ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
}

func NewProviderError(kind ErrorKind, statusCode int, message string, retryable bool) ProviderError {
	return ProviderError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  retryable,
	}
}

// ClassifyDispatchError maps any error returned by a dispatch attempt to
// an ErrorKind. Unclassified errors are treated as unknown and retried.
func ClassifyDispatchError(err error) ErrorKind {
	var perr ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ErrorKindUnknown
}

// IsPermanentDispatchError reports whether the error must skip the retry
// queue and go straight to the DLQ.
func IsPermanentDispatchError(err error) bool {
	var perr ProviderError
	if errors.As(err, &perr) {
		return perr.Kind == ErrorKindPermanent || !perr.Retryable
	}
	return false
}
