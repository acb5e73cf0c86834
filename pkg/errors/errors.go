// Package errors defines the error taxonomy shared by every engine component.
// Errors carry a machine-readable kind so the HTTP layer can map them to stable
// response codes without inspecting message text.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// As re-exports errors.As so callers matching *Error need no second import.
var As = errors.As

// Kind classifies an error for callers and for the HTTP boundary.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindForbidden           Kind = "FORBIDDEN"
	KindInvalidState        Kind = "INVALID_STATE"
	KindConflict            Kind = "CONFLICT"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindLimitExceeded       Kind = "LIMIT_EXCEEDED"
	KindSuspended           Kind = "SUSPENDED"
	KindExpired             Kind = "EXPIRED"
	KindInternal            Kind = "INTERNAL"
)

// Error is the engine's error type. The cause, when present, is wrapped for
// logging but never serialized to clients.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newf(KindForbidden, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return newf(KindInvalidState, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func InsufficientBalance(format string, args ...any) *Error {
	return newf(KindInsufficientBalance, format, args...)
}

func LimitExceeded(format string, args ...any) *Error {
	return newf(KindLimitExceeded, format, args...)
}

func Suspended(format string, args ...any) *Error {
	return newf(KindSuspended, format, args...)
}

func Expired(format string, args ...any) *Error {
	return newf(KindExpired, format, args...)
}

// Internal wraps an unexpected failure (storage, IO). The cause is retained
// for logs; the message shown to clients stays generic.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: cause}
}

// KindOf extracts the kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden, KindSuspended:
		return http.StatusForbidden
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindInsufficientBalance, KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
