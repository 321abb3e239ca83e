// Package imerr defines the domain error taxonomy shared by the gateway and
// the fan-out API. Codes are transport-independent; the REST layer maps them
// to HTTP statuses and the gateway maps them to wire frames.
package imerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain failure.
type Code string

const (
	CodeNotFound     Code = "NOT_FOUND"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeConflict     Code = "CONFLICT"
	CodeDatabase     Code = "DATABASE"
	CodeInternal     Code = "INTERNAL"
)

// Error is a domain error with a stable code and a human-readable message.
// Details carries optional operator-facing context and is never shown to
// end users in log-redacted form.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// NotFound reports a missing participant, group, message or registry row.
func NotFound(message string) *Error { return New(CodeNotFound, message) }

// InvalidInput reports a rejected request argument.
func InvalidInput(message string) *Error { return New(CodeInvalidInput, message) }

// Unauthorized reports a missing or invalid credential.
func Unauthorized(message string) *Error { return New(CodeUnauthorized, message) }

// Database reports a rejected persistence operation.
func Database(message string, cause error) *Error {
	return Wrap(CodeDatabase, message, cause)
}

// Internal reports an unexpected failure.
func Internal(message string, cause error) *Error {
	return Wrap(CodeInternal, message, cause)
}

// CodeOf extracts the domain code from an error chain. Unclassified errors
// report CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HTTPStatus maps a domain code to its REST status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeDatabase, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AsError normalizes any error into a domain error, preserving an existing
// classification when present.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Wrap(CodeInternal, "internal error", err)
}
