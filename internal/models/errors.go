package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed taxonomy carried on every orchestration failure.
type ErrorKind string

const (
	ErrKindAPI               ErrorKind = "ApiError"
	ErrKindTimeout           ErrorKind = "Timeout"
	ErrKindCancelled         ErrorKind = "Cancelled"
	ErrKindValidation        ErrorKind = "ValidationError"
	ErrKindSystem            ErrorKind = "SystemError"
	ErrKindRecovery          ErrorKind = "RecoveryError"
	ErrKindCycleUnresolvable ErrorKind = "CycleUnresolvable"
)

// OrchError is a classified orchestration error. Retryable is decided at
// construction so callers never re-derive it from the kind.
type OrchError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	SubtaskID string    `json:"subtask_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
	cause     error
}

func (e *OrchError) Error() string {
	if e.SubtaskID != "" {
		return fmt.Sprintf("%s: %s (subtask=%s)", e.Kind, e.Message, e.SubtaskID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OrchError) Unwrap() error { return e.cause }

// NewError constructs a classified error. Network and HTTP failures are
// retryable; timeouts and cancellations are not.
func NewError(kind ErrorKind, msg string) *OrchError {
	return &OrchError{
		Kind:      kind,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Retryable: kind == ErrKindAPI,
	}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error) *OrchError {
	oe := NewError(kind, err.Error())
	oe.cause = err
	return oe
}

// WithSubtask tags the error with a subtask id.
func (e *OrchError) WithSubtask(id string) *OrchError {
	e.SubtaskID = id
	return e
}

// WithAgent tags the error with an agent id.
func (e *OrchError) WithAgent(id string) *OrchError {
	e.AgentID = id
	return e
}

// KindOf extracts the taxonomy kind from any error chain, defaulting to
// SystemError for unclassified errors.
func KindOf(err error) ErrorKind {
	var oe *OrchError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ErrKindSystem
}

// IsRetryable reports whether the error chain permits another attempt.
func IsRetryable(err error) bool {
	var oe *OrchError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}
