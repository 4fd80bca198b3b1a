// Package errs defines the typed errors exchanged between the pipeline,
// registry, webhook routes and the HTTP error handler.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for propagation and HTTP mapping.
type Code string

const (
	Validation   Code = "VALIDATION"
	NotFound     Code = "NOT_FOUND"
	Unauthorized Code = "UNAUTHORIZED"
	Forbidden    Code = "FORBIDDEN"
	Conflict     Code = "CONFLICT"
	Upstream     Code = "UPSTREAM"
	Transient    Code = "TRANSIENT"
	Fatal        Code = "FATAL"
)

// Error carries a code, a user-presentable message and an optional cause.
// Internal details stay in the wrapped cause and never reach clients.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from an error chain, defaulting to Fatal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Fatal
}

// HTTPStatus maps an error code onto an HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case Validation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message safe to return to a client. Upstream,
// Transient and Fatal errors are masked.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case Upstream, Transient, Fatal:
			return "internal server error"
		default:
			return e.Message
		}
	}
	return "internal server error"
}
