package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeOutOfSequence    = "OUT_OF_SEQUENCE"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodeAuditWriteFailed = "AUDIT_WRITE_FAILED"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
)

// ProdError is the structured error type for all prodtrack operations.
type ProdError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    int            `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ProdError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ProdError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ProdError.
func NewError(code, message string) *ProdError {
	return &ProdError{Code: code, Message: message}
}

// NewErrorf creates a new ProdError with a formatted message.
func NewErrorf(code, format string, args ...any) *ProdError {
	return &ProdError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step number to the error.
func (e *ProdError) WithStep(step int) *ProdError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *ProdError) WithCause(err error) *ProdError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ProdError) WithDetails(details map[string]any) *ProdError {
	e.Details = details
	return e
}

// IsRetryable reports whether the caller may re-fetch and try the same
// operation again. Only store failures and lost races qualify; sequence and
// validation failures need a different request.
func (e *ProdError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConflict, ErrCodeStore:
		return true
	default:
		return false
	}
}

// IsCode reports whether err is a ProdError carrying code.
func IsCode(err error, code string) bool {
	var pe *ProdError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == code
}

// CodeOf returns the code of err if it is a ProdError, or "" otherwise.
func CodeOf(err error) string {
	var pe *ProdError
	if !errors.As(err, &pe) {
		return ""
	}
	return pe.Code
}
