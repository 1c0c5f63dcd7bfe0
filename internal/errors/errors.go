package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorizing failures across the engine.
const (
	// ErrConfig marks structurally invalid definitions. A failed reload keeps
	// the previous configuration active.
	ErrConfig = "CONFIG"
	// ErrConnection marks transient transport failures. Retried once with
	// backoff before the host is marked unreachable.
	ErrConnection = "CONNECTION"
	// ErrExecution marks remote commands that ran and exited non-zero.
	// These are never retried automatically.
	ErrExecution = "EXECUTION"
	// ErrParse marks module output that didn't match the expected shape.
	ErrParse = "PARSE"
	// ErrValidation marks operator input rejected before dispatch.
	ErrValidation = "VALIDATION"
)

// Error represents a structured error with code, message, suggestion, and optional cause.
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message, defaulting to ErrConnection code.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    ErrConnection,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps an existing error with a specific code, message, and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var lkErr *Error
	if errors.As(err, &lkErr) {
		return lkErr.Code == code
	}
	return false
}

// Code returns the code of a structured Error, or an empty string for other errors.
func Code(err error) string {
	var lkErr *Error
	if errors.As(err, &lkErr) {
		return lkErr.Code
	}
	return ""
}
