package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an application error for transport mapping and logging.
type Code string

const (
	ErrCodeInvalidInput     Code = "INVALID_INPUT"
	ErrCodeNotFound         Code = "NOT_FOUND"
	ErrCodeConflict         Code = "CONFLICT"
	ErrCodeUnauthorized     Code = "UNAUTHORIZED"
	ErrCodeFlowNotFound     Code = "FLOW_NOT_FOUND"
	ErrCodeStepUnresolvable Code = "STEP_UNRESOLVABLE"
	ErrCodeInternal         Code = "INTERNAL"
)

// Error is a coded application error. Engine error kinds map onto codes:
// flow selection failure → FLOW_NOT_FOUND, stuck step activation →
// STEP_UNRESOLVABLE, stale/duplicate actions → CONFLICT, identity mismatch →
// UNAUTHORIZED.
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

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %s not found", resource, id)
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// CodeOf extracts the code from an error chain, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the status the HTTP layer should respond with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeFlowNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeStepUnresolvable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
