// Package apperr carries the stable error codes of the quote engine.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code represents a stable error code for programmatic handling.
type Code string

const (
	CodeNotFound                  Code = "not_found"
	CodeJobAlreadyInFlight        Code = "job_already_in_flight"
	CodeReferenceConflict         Code = "reference_conflict"
	CodeArtifactNotFound          Code = "artifact_not_found"
	CodeInvalidContactAssociation Code = "invalid_contact_association"
	CodeStaleWriteReporting       Code = "stale_write_reporting"
	CodeArgumentInvalid           Code = "argument_invalid"
	CodeQuoteLocked               Code = "quote_locked"
	CodeInvalidTransition         Code = "invalid_transition"
	CodeInternal                  Code = "internal"
)

// AppError is a structured error type that carries a code, message, and optional metadata.
type AppError struct {
	Code    Code
	Message string
	Err     error
	Meta    map[string]any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *AppError) Unwrap() error { return e.Err }

// WithMeta attaches metadata to the error.
func (e *AppError) WithMeta(k string, v any) *AppError {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[k] = v
	return e
}

// New creates a new AppError with code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with code and message.
func Wrap(err error, code Code, message string) *AppError {
	if err == nil {
		return New(code, message)
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// IsCode checks if an error has the provided code (through unwrapping).
func IsCode(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// CodeOf returns the code of err, CodeInternal when err is not an AppError.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to the status the HTTP surface answers with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound, CodeArtifactNotFound:
		return http.StatusNotFound
	case CodeJobAlreadyInFlight, CodeReferenceConflict, CodeStaleWriteReporting,
		CodeQuoteLocked, CodeInvalidTransition:
		return http.StatusConflict
	case CodeInvalidContactAssociation:
		return http.StatusUnprocessableEntity
	case CodeArgumentInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
