package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDuplicateTrigger  = "DUPLICATE_TRIGGER"
	ErrCodeTransient         = "TRANSIENT_DEPENDENCY"
	ErrCodeConfiguration     = "CONFIGURATION"
	ErrCodeDeliveryFailed    = "DELIVERY_FAILED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeStepLimit         = "STEP_LIMIT"
	ErrCodeFatal             = "FATAL"
)

// NurtureError is the structured error type used across the engine and its collaborators.
type NurtureError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *NurtureError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *NurtureError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure is worth another attempt later.
func (e *NurtureError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransient, ErrCodeTimeout, ErrCodeCircuitOpen, ErrCodeStore:
		return true
	}
	return false
}

// NewError creates a new NurtureError.
func NewError(code, message string) *NurtureError {
	return &NurtureError{Code: code, Message: message}
}

// NewErrorf creates a new NurtureError with a formatted message.
func NewErrorf(code, format string, args ...any) *NurtureError {
	return &NurtureError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *NurtureError) WithNode(nodeID string) *NurtureError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *NurtureError) WithCause(err error) *NurtureError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *NurtureError) WithDetails(details map[string]any) *NurtureError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a NurtureError with the given code.
func IsCode(err error, code string) bool {
	var ne *NurtureError
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}

// Transient wraps err as a retryable dependency failure.
func Transient(err error, format string, args ...any) *NurtureError {
	return NewErrorf(ErrCodeTransient, format, args...).WithCause(err)
}

// Fatal wraps err as a non-retryable dependency failure.
func Fatal(err error, format string, args ...any) *NurtureError {
	return NewErrorf(ErrCodeFatal, format, args...).WithCause(err)
}
