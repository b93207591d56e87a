// Package errors provides coded domain errors for the file notification service.
//
// Usage:
//
//	// In the registry - return typed errors
//	if !filepath.IsAbs(path) {
//	    return errors.InvalidPathf("path %q is not absolute", path)
//	}
//
//	// In callers - check with errors.Is
//	if errors.Is(err, errors.ErrNativeUnavailable) {
//	    // fall back to polling
//	}
//
//	// Or switch on the Code
//	var domainErr *errors.Error
//	if errors.As(err, &domainErr) {
//	    switch domainErr.Code {
//	    case errors.CodeAlreadyRunning:
//	    case errors.CodeNotRunning:
//	    }
//	}
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Code represents a machine-readable error code.
type Code string

// Error codes used by the watcher and its surfaces.
const (
	CodeInvalidPath       Code = "INVALID_PATH"
	CodeNativeUnavailable Code = "NATIVE_UNAVAILABLE"
	CodeWatch             Code = "WATCH_ERROR"
	CodeAlreadyRunning    Code = "ALREADY_RUNNING"
	CodeNotRunning        Code = "NOT_RUNNING"
	CodeNotFound          Code = "NOT_FOUND"
	CodeValidation        Code = "VALIDATION"
	CodeInternal          Code = "INTERNAL"
)

// HTTPStatus returns the HTTP status the diagnostics server uses for a code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidPath, CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyRunning, CodeNotRunning:
		return http.StatusConflict
	case CodeNativeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with a code, message, and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error carrying details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		cause:   e.cause,
	}
}

// WithCause returns a copy of the error wrapping err.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		cause:   err,
	}
}

// Sentinel errors for use with errors.Is().
var (
	ErrInvalidPath       = &Error{Code: CodeInvalidPath, Message: "invalid path"}
	ErrNativeUnavailable = &Error{Code: CodeNativeUnavailable, Message: "native backend unavailable"}
	ErrWatch             = &Error{Code: CodeWatch, Message: "watch error"}
	ErrAlreadyRunning    = &Error{Code: CodeAlreadyRunning, Message: "service already running"}
	ErrNotRunning        = &Error{Code: CodeNotRunning, Message: "service not running"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrValidation        = &Error{Code: CodeValidation, Message: "validation error"}
	ErrInternal          = &Error{Code: CodeInternal, Message: "internal error"}
)

// InvalidPath creates an invalid path error.
func InvalidPath(msg string) *Error {
	return &Error{Code: CodeInvalidPath, Message: msg}
}

// InvalidPathf creates an invalid path error with a formatted message.
func InvalidPathf(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidPath, Message: fmt.Sprintf(format, args...)}
}

// NativeUnavailablef creates a native-backend-unavailable error with a formatted message.
func NativeUnavailablef(format string, args ...any) *Error {
	return &Error{Code: CodeNativeUnavailable, Message: fmt.Sprintf(format, args...)}
}

// Watchf creates a per-path watch error with a formatted message.
func Watchf(format string, args ...any) *Error {
	return &Error{Code: CodeWatch, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not found error.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// Validation creates a validation error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// ValidationWithDetails creates a validation error with details.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// Wrapf wraps an error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}
