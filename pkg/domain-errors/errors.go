// Package domainerrors carries typed error codes across service boundaries so
// callers can distinguish "retry this" from "this will never succeed as
// submitted" without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error for transport mapping and retry decisions.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeInternal           Code = "internal"
	CodeInvariantViolation Code = "invariant_violation"

	// Claim-protocol codes.
	CodeInvalidTransition Code = "invalid_transition"
	CodeStaleActivity     Code = "stale_activity"
	CodeNotEligible       Code = "not_eligible"
	CodeOverAllocation    Code = "over_allocation"
	CodeTransferFailed    Code = "transfer_failed"
)

// Error is a code-carrying error. Wrapped causes remain reachable via
// errors.Unwrap for callers that need the underlying failure.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error with no underlying cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error. A nil err yields nil
// so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.cause
		de = nil
	}
	return false
}

// Is is an alias for HasCode kept for call-site readability.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf returns the outermost code in the chain, or CodeInternal when the
// error carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Retryable reports whether the error represents a transient condition the
// caller may safely retry. Caller-misuse codes are never retryable.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeTransferFailed:
		return true
	default:
		return false
	}
}
