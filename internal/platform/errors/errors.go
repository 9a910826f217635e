// Package errors provides coded service errors shared by all layers.
// Codes map to transport status in the handler layer; business code never
// inspects error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCode identifies the class of a service error.
type ErrCode string

const (
	ErrCodeInvalidInput ErrCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrCode = "NOT_FOUND"
	ErrCodeConflict     ErrCode = "CONFLICT"
	ErrCodeUnauthorized ErrCode = "UNAUTHORIZED"
	ErrCodeInternal     ErrCode = "INTERNAL"
)

// Error is a coded service error, optionally wrapping a cause.
type Error struct {
	Code    ErrCode
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

// New creates a coded error with no cause.
func New(code ErrCode, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports that the named resource does not exist.
func NotFound(resource, id string) error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a caller error on a specific field.
func InvalidInput(field, message string) error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// Code extracts the ErrCode from err, defaulting to ErrCodeInternal.
func Code(err error) ErrCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrCode) bool {
	return Code(err) == code
}

// HTTPStatus maps an error code to an HTTP status for the handler layer.
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
