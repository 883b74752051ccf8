// Package apperrors defines the error taxonomy surfaced at the API boundary.
// Inner layers return *Error values (usually wrapped); the HTTP edge maps the
// code to a status and renders {message, error_code, details}.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. The set is closed; handlers never invent
// codes and never match on error text.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeAuthentication  Code = "AUTHENTICATION_ERROR"
	CodeAuthorization   Code = "AUTHORIZATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeDuplicate       Code = "DUPLICATE_RESOURCE"
	CodeBusinessLogic   Code = "BUSINESS_LOGIC_ERROR"
	CodeRateLimit       Code = "RATE_LIMIT_EXCEEDED"
	CodeExternalService Code = "EXTERNAL_SERVICE_ERROR"
	CodeDatabase        Code = "DATABASE_ERROR"
	CodeConfiguration   Code = "CONFIGURATION_ERROR"
	CodeInternal        Code = "INTERNAL_ERROR"
)

var httpStatus = map[Code]int{
	CodeValidation:      http.StatusBadRequest,
	CodeAuthentication:  http.StatusUnauthorized,
	CodeAuthorization:   http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeDuplicate:       http.StatusConflict,
	CodeBusinessLogic:   http.StatusUnprocessableEntity,
	CodeRateLimit:       http.StatusTooManyRequests,
	CodeExternalService: http.StatusBadGateway,
	CodeDatabase:        http.StatusInternalServerError,
	CodeConfiguration:   http.StatusInternalServerError,
	CodeInternal:        http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for a code.
func (c Code) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a tagged error with a code, a user-facing message, and optional
// structured details. The wrapped cause, if any, is for logs only and is
// never rendered to clients.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so callers can test
// errors.Is(err, apperrors.New(apperrors.CodeNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithDetail attaches one structured detail and returns the error for
// chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the status mapped from the error code.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code and message, keeping cause for
// logs and errors.Is chains.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// Validation builds a VALIDATION_ERROR.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf builds a VALIDATION_ERROR with a formatted message.
func Validationf(format string, args ...interface{}) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound builds a NOT_FOUND for a resource/id pair.
func NotFound(resource, id string) *Error {
	e := Newf(CodeNotFound, "%s not found: %s", resource, id)
	return e.WithDetail("resource", resource).WithDetail("id", id)
}

// Duplicate builds a DUPLICATE_RESOURCE for a resource/id pair.
func Duplicate(resource, id string) *Error {
	e := Newf(CodeDuplicate, "%s already exists: %s", resource, id)
	return e.WithDetail("resource", resource).WithDetail("id", id)
}

// BusinessLogic builds a BUSINESS_LOGIC_ERROR (invalid transitions, disabled
// features, exhausted retries).
func BusinessLogic(message string) *Error {
	return New(CodeBusinessLogic, message)
}

// BusinessLogicf builds a BUSINESS_LOGIC_ERROR with a formatted message.
func BusinessLogicf(format string, args ...interface{}) *Error {
	return Newf(CodeBusinessLogic, format, args...)
}

// ExternalService builds an EXTERNAL_SERVICE_ERROR around a cause.
func ExternalService(message string, cause error) *Error {
	return Wrap(CodeExternalService, message, cause)
}

// RateLimit builds a RATE_LIMIT_EXCEEDED with a retry_after hint in seconds.
func RateLimit(message string, retryAfterSeconds int) *Error {
	return New(CodeRateLimit, message).WithDetail("retry_after", retryAfterSeconds)
}

// Database builds a DATABASE_ERROR around a cause.
func Database(message string, cause error) *Error {
	return Wrap(CodeDatabase, message, cause)
}

// Internal builds an INTERNAL_ERROR around a cause.
func Internal(message string, cause error) *Error {
	return Wrap(CodeInternal, message, cause)
}

// From normalizes any error into *Error. Context cancellation becomes a
// BUSINESS_LOGIC_ERROR ("cancelled"); everything unclassified becomes
// INTERNAL_ERROR so unknown failures never leak raw text with a 200-class
// code.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(CodeBusinessLogic, "cancelled", err)
	}
	return Wrap(CodeInternal, "internal error", err)
}

// CodeOf returns the code of err, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
