// Package errors provides structured errors carrying a stable protocol code,
// shared by the HTTP and persistent-connection transports.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable error code reported to clients.
type Code string

const (
	// CodeNotFound indicates an unknown route (HTTP 404)
	CodeNotFound Code = "not_found"
	// CodeInvalidStart indicates a start payload that could not be decoded (HTTP 400)
	CodeInvalidStart Code = "invalid_start"
	// CodeInvalidRequest indicates a request rejected by validation (HTTP 400)
	CodeInvalidRequest Code = "invalid_request"
	// CodeUnauthorized indicates a missing or invalid credential (HTTP 401)
	CodeUnauthorized Code = "unauthorized"
	// CodeForbidden indicates the operation refused the caller (HTTP 403)
	CodeForbidden Code = "forbidden"
	// CodeThrottled indicates a cooldown or rate limit rejection (HTTP 429)
	CodeThrottled Code = "throttled"
	// CodeBusy indicates an exclusivity conflict (HTTP 409)
	CodeBusy Code = "busy"
	// CodeServerException indicates an unexpected fault (HTTP 500)
	CodeServerException Code = "server_exception"
)

// Error represents a structured error with code, message, and context.
type Error struct {
	Code    Code
	Message string
	Details []string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidStart, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeThrottled:
		return http.StatusTooManyRequests
	case CodeBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Expected reports whether the error is a normal negative outcome rather
// than a fault.
func (e *Error) Expected() bool {
	return e.Code != CodeServerException
}

func newError(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// NotFound creates a new not-found error.
func NotFound(message string) *Error {
	return newError(CodeNotFound, message)
}

// InvalidStart creates a new error for an undecodable start payload.
func InvalidStart(message string, cause error) *Error {
	e := newError(CodeInvalidStart, message)
	e.Cause = cause
	return e
}

// InvalidRequest creates a new validation error listing every problem found.
func InvalidRequest(message string, details ...string) *Error {
	e := newError(CodeInvalidRequest, message)
	e.Details = details
	return e
}

// Unauthorized creates a new authentication error.
func Unauthorized(message string) *Error {
	return newError(CodeUnauthorized, message)
}

// Forbidden creates a new authorization error.
func Forbidden(message string) *Error {
	return newError(CodeForbidden, message)
}

// Throttled creates a new throttling error.
func Throttled(message string) *Error {
	return newError(CodeThrottled, message)
}

// Busy creates a new exclusivity error.
func Busy(message string) *Error {
	return newError(CodeBusy, message)
}

// Internal creates a new internal error.
func Internal(message string, cause error) *Error {
	e := newError(CodeServerException, message)
	e.Cause = cause
	return e
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    Code           `json:"code"`
	Details []string       `json:"details,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
// The cause of an internal error is never exposed.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Code:    e.Code,
		Details: e.Details,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return Internal("internal server error", err)
}

// CodeOf returns the code of err, or CodeServerException for unstructured errors.
func CodeOf(err error) Code {
	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr.Code
	}
	return CodeServerException
}
