// Package errors defines the stable error taxonomy for the ETL engine.
//
// Only TransientWrite errors are ever retried. Validation, OutOfOrderUpdate
// and UnresolvedDimensionKey reject individual rows or natural keys and let
// the rest of the batch proceed. FatalConfig aborts before any I/O.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// Validation indicates bad or missing input data; the row is rejected
	// and the batch continues.
	Validation ErrorCode = "VALIDATION"
	// OutOfOrderUpdate indicates a batch carries an event time at or before
	// the current dimension version's effective_from. The affected natural
	// key is rejected for manual reconciliation.
	OutOfOrderUpdate ErrorCode = "OUT_OF_ORDER_UPDATE"
	// UnresolvedDimensionKey indicates a fact row references a dimension
	// natural key with no surrogate key in the batch or the warehouse.
	UnresolvedDimensionKey ErrorCode = "UNRESOLVED_DIMENSION_KEY"
	// TransientWrite indicates a retryable warehouse failure (lock
	// contention, connection loss). The whole batch is rolled back and
	// retried from the same resume point.
	TransientWrite ErrorCode = "TRANSIENT_WRITE"
	// FatalConfig indicates missing or invalid required configuration.
	// Processing aborts before any I/O.
	FatalConfig ErrorCode = "FATAL_CONFIG"
	// Internal indicates an unexpected error.
	Internal ErrorCode = "INTERNAL"
)

// Error is an engine error with a stable code, a human message and an
// optional underlying cause.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails attaches structured details to the error
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// CodeOf returns the ErrorCode of err, or Internal if err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsTransient reports whether err should trigger an automatic batch retry.
func IsTransient(err error) bool {
	return CodeOf(err) == TransientWrite
}

// IsRowLevel reports whether err rejects a single row or natural key while
// the rest of the batch continues.
func IsRowLevel(err error) bool {
	switch CodeOf(err) {
	case Validation, OutOfOrderUpdate, UnresolvedDimensionKey:
		return true
	default:
		return false
	}
}
