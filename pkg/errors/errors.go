// Package errors provides the typed failures surfaced by the connection pool
// and its retrying sessions.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for pool and session failures
const (
	CodeConnectFailed      = "CONNECT_FAILED"
	CodeTransientFailure   = "TRANSIENT_FAILURE"
	CodeRetryExhausted     = "RETRY_EXHAUSTED"
	CodeApplication        = "APPLICATION_ERROR"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeFailedPrecondition = "FAILED_PRECONDITION"
	CodeInitializerFailed  = "INITIALIZER_FAILED"
	CodeInvalidProfile     = "INVALID_PROFILE"
	CodeInternal           = "INTERNAL_ERROR"
)

// PoolError represents a pool failure with code, message, and optional details.
type PoolError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *PoolError) Is(target error) bool {
	t, ok := target.(*PoolError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a single detail to the error.
func (e *PoolError) WithDetail(key string, value interface{}) *PoolError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors, usable as errors.Is targets.
var (
	ErrRetryExhausted  = &PoolError{Code: CodeRetryExhausted, Message: "retry budget exhausted"}
	ErrSessionReleased = &PoolError{Code: CodeFailedPrecondition, Message: "session is released"}
	ErrSessionFailed   = &PoolError{Code: CodeFailedPrecondition, Message: "session has failed"}
)

// New creates a new PoolError with the given code and message.
func New(code, message string) *PoolError {
	return &PoolError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a PoolError.
func Wrap(err error, code, message string) *PoolError {
	if err == nil {
		return nil
	}
	return &PoolError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *PoolError {
	if err == nil {
		return nil
	}
	return &PoolError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsConnectFailed reports whether err came from establishing a physical session.
func IsConnectFailed(err error) bool {
	return hasCode(err, CodeConnectFailed)
}

// IsTransient reports whether err is a lost connection that the session
// retried on a replacement.
func IsTransient(err error) bool {
	return hasCode(err, CodeTransientFailure)
}

// IsRetryExhausted reports whether err is a spent retry budget.
func IsRetryExhausted(err error) bool {
	return hasCode(err, CodeRetryExhausted)
}

// IsApplication reports whether err is a non-retried statement failure.
func IsApplication(err error) bool {
	return hasCode(err, CodeApplication)
}

// IsInvariantViolation reports whether err describes broken pool bookkeeping.
func IsInvariantViolation(err error) bool {
	return hasCode(err, CodeInvariantViolation)
}

func hasCode(err error, code string) bool {
	var poolErr *PoolError
	if errors.As(err, &poolErr) {
		return poolErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var poolErr *PoolError
	if errors.As(err, &poolErr) {
		return poolErr.Code
	}
	return CodeInternal
}
