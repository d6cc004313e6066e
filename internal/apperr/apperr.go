// Package apperr provides the error taxonomy shared by the HTTP API, the
// relay, and the file-sync poller.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind discriminates the error taxonomy used across the control plane.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimit
	KindTransport
	KindProtocol
	KindCancelled
)

// Error is a typed application error carrying an HTTP-mappable Kind.
type Error struct {
	Kind         Kind
	Message      string
	RetryAfterMs int64
	Validation   []string
	err          error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

func newErr(kind Kind, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Message: msg, err: wrapped}
}

func Validation(msg string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Validation: fields}
}

func Auth(msg string) *Error { return newErr(KindAuth, msg, nil) }

func Forbidden(msg string) *Error { return newErr(KindForbidden, msg, nil) }

func NotFound(msg string) *Error { return newErr(KindNotFound, msg, nil) }

func Conflict(msg string) *Error { return newErr(KindConflict, msg, nil) }

func RateLimit(msg string, retryAfterMs int64) *Error {
	return &Error{Kind: KindRateLimit, Message: msg, RetryAfterMs: retryAfterMs}
}

func Transport(msg string, wrapped error) *Error {
	return newErr(KindTransport, msg, wrapped)
}

func Protocol(msg string) *Error { return newErr(KindProtocol, msg, nil) }

func Cancelled(msg string) *Error { return newErr(KindCancelled, msg, nil) }

func Internal(msg string, wrapped error) *Error {
	return newErr(KindInternal, msg, wrapped)
}

// StatusCode maps an error to its HTTP status code. Errors that are not a
// *Error map to 500.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTransport:
		return http.StatusBadGateway
	case KindProtocol:
		return http.StatusBadRequest
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// As is a thin convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsCancelled reports whether err is (or wraps) a Cancelled error.
func IsCancelled(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindCancelled
}
