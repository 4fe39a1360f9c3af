// Package apperr defines the tagged error type returned by every fallible
// call in the session core. Expected conditions (not-found, lock-busy,
// cancellation, transaction failures) are apperr values with a machine-readable
// code and a retryable flag; only truly unexpected faults travel as plain
// errors and surface loudly at the caller.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Code is a machine-readable error code. The HTTP layer maps codes to
// user-facing messages and statuses; the retry runner keys off Retryable.
type Code string

const (
	// CodeSessionNotFound covers absent sessions, absent active-index
	// entries and absent archive objects.
	CodeSessionNotFound Code = "session_not_found"
	// CodeLockFailed means the per-user lock is currently held elsewhere.
	CodeLockFailed Code = "lock_failed"
	// CodeTransactionFailed means a multi-key cache write did not commit.
	CodeTransactionFailed Code = "transaction_failed"
	// CodeInvalidData means a stored payload could not be decoded.
	CodeInvalidData Code = "invalid_data"
	// CodeUnavailable covers transient infrastructure failures (timeouts,
	// connection resets, 5xx from the backend).
	CodeUnavailable Code = "unavailable"
	// CodeBackendFailure means the conversational backend rejected a call.
	CodeBackendFailure Code = "backend_failure"
	// CodeCancelled means the caller cancelled the operation. Never logged
	// as an error.
	CodeCancelled Code = "cancelled"
	// CodeInternal is the fallback for unclassified failures.
	CodeInternal Code = "internal"
)

// Error is the tagged failure carried across every layer of the core.
type Error struct {
	Code      Code
	Retryable bool
	Message   string
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a tagged error without a cause.
func New(code Code, retryable bool, message string) *Error {
	return &Error{Code: code, Retryable: retryable, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(code Code, retryable bool, format string, args ...interface{}) *Error {
	return &Error{Code: code, Retryable: retryable, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a code and retryable flag.
func Wrap(code Code, retryable bool, message string, cause error) *Error {
	return &Error{Code: code, Retryable: retryable, Message: message, cause: cause}
}

// FromContext converts context termination into the cancellation code so it
// is never retried and never reported as an infrastructure error.
func FromContext(err error) *Error {
	return Wrap(CodeCancelled, false, "operation cancelled", err)
}

// CodeOf extracts the code from an error chain. Unclassified errors report
// CodeInternal so they are surfaced, not retried.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeInternal
}

// IsRetryable reports whether the failure is classified as transient.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsNotFound is a convenience check for the benign not-found outcome.
func IsNotFound(err error) bool {
	return IsCode(err, CodeSessionNotFound)
}

// IsCancelled reports caller-initiated termination, including bare context
// errors that escaped tagging.
func IsCancelled(err error) bool {
	return IsCode(err, CodeCancelled)
}
