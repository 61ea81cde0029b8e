package domain

import (
	"errors"
	"fmt"
)

// ErrorClass categorizes a failure from an external service so the retry
// policy and the batch controller can react without inspecting raw errors.
type ErrorClass string

// Possible error classes.
const (
	// ErrorClassTransient covers network errors, timeouts and short-lived
	// upstream hiccups. Retryable with bounded attempts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassNotFound means the referenced content no longer exists.
	// Terminal for the item, never retried.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassQuotaExceeded means the service refused the call because the
	// billing quota for the current window is spent. Pauses the whole batch.
	ErrorClassQuotaExceeded ErrorClass = "quota_exceeded"

	// ErrorClassInvalid covers malformed responses and schema mismatches.
	// Retried like a transient error but with a lower attempt ceiling.
	ErrorClassInvalid ErrorClass = "invalid"
)

// ErrUnknownErrorClass is returned when parsing an unrecognized class string.
var ErrUnknownErrorClass = errors.New("unknown error class")

// ClassifiedError wraps an underlying error with its ErrorClass. Adapters
// return these; everything above them dispatches on the class alone.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

// Error returns the underlying error message prefixed with the class.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/errors.As chains.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a transient failure.
func NewTransientError(err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassTransient, Err: err}
}

// NewNotFoundError wraps err as a terminal not-found failure.
func NewNotFoundError(err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassNotFound, Err: err}
}

// NewQuotaExceededError wraps err as a quota exhaustion failure.
func NewQuotaExceededError(err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassQuotaExceeded, Err: err}
}

// NewInvalidError wraps err as a malformed-response failure.
func NewInvalidError(err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassInvalid, Err: err}
}

// ClassOf extracts the ErrorClass from err. Unclassified errors default to
// transient: an unknown failure is indistinguishable from a network glitch,
// and a bounded retry is the safe reaction.
func ClassOf(err error) ErrorClass {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}
	return ErrorClassTransient
}

// ParseErrorClass converts a stored class string back into an ErrorClass.
func ParseErrorClass(s string) (ErrorClass, error) {
	switch ErrorClass(s) {
	case ErrorClassTransient, ErrorClassNotFound, ErrorClassQuotaExceeded, ErrorClassInvalid:
		return ErrorClass(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownErrorClass, s)
	}
}
