// Package apperrors centralizes the error kinds surfaced by the screening
// workflow engine (spec.md §7) behind a single structured error type, the
// way the teacher's be-lib-common/errors package centralizes AP invoice
// errors behind ErrCode* constants and a Wrap/New constructor pair.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the stable error kinds the engine promises to callers.
type Kind string

const (
	Unauthenticated    Kind = "UNAUTHENTICATED"
	Forbidden         Kind = "FORBIDDEN"
	NotFoundKind       Kind = "NOT_FOUND"
	Conflict          Kind = "CONFLICT"
	LockedKind         Kind = "LOCKED"
	StepNotReachable     Kind = "STEP_NOT_REACHABLE"
	ExpiredKind        Kind = "EXPIRED"
	Busy             Kind = "BUSY"
	Validation         Kind = "VALIDATION_ERROR"
	Internal          Kind = "INTERNAL"
)

var statusByKind = map[Kind]int{
	Unauthenticated:  http.StatusUnauthorized,
	Forbidden:      http.StatusForbidden,
	NotFoundKind:    http.StatusNotFound,
	Conflict:      http.StatusConflict,
	LockedKind:     http.StatusLocked,
	StepNotReachable: http.StatusConflict,
	ExpiredKind:    http.StatusConflict,
	Busy:         http.StatusServiceUnavailable,
	Validation:     http.StatusBadRequest,
	Internal:      http.StatusInternalServerError,
}

// Error is the structured error type returned across every engine package
// boundary. It never carries a stack trace or store-internal detail in
// Message; richer context, if any, goes in Details.
type Error struct {
	Kind       Kind
	Message    string
	Details    string
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode returns the HTTP status the API surface should use for this kind.
func (e *Error) StatusCode() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a kind and message, preserving cause
// for errors.Is/As and Unwrap.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf wraps an underlying error with a kind and a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails attaches human-readable extra context and returns the receiver
// for chaining, modifying e in place (mirrors the teacher's AppError.WithDetails).
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted extra context.
func (e *Error) WithDetailsf(format string, args ...any) *Error {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// NotFound builds a standard "<resource> <id> not found" NotFoundKind error.
func NotFound(resource, id string) *Error {
	return New(NotFoundKind, fmt.Sprintf("%s %q not found", resource, id))
}

// InvalidInput builds a standard VALIDATION_ERROR for a malformed field.
func InvalidInput(field, reason string) *Error {
	return Newf(Validation, "invalid field %q: %s", field, reason)
}

// As reports whether err (or something it wraps) is an *Error, and if so
// returns it. Thin convenience over the standard errors.As.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is an *Error (or wraps one),
// otherwise Internal.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return Internal
}
