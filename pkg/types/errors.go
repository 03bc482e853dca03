package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies task failures. The kind decides whether a failure
// consumes an attempt and whether it is retried.
type ErrorKind string

const (
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindPolicyDenied      ErrorKind = "policy_denied"
	ErrorKindTaskExecution     ErrorKind = "task_execution"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"
	ErrorKindConcurrency       ErrorKind = "concurrency"
)

// TaskError is the typed error agents and the policy gate report.
type TaskError struct {
	Kind    ErrorKind
	Message string
	Hint    string
	Cause   error
}

func (e *TaskError) Error() string {
	if e.Cause != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure may be retried with backoff.
// Pre-dispatch rejections never are.
func (e *TaskError) Retryable() bool {
	switch e.Kind {
	case ErrorKindTaskExecution, ErrorKindTimeout, ErrorKindInvalidTransition:
		return true
	}
	return false
}

// Info converts the error to its serializable event form.
func (e *TaskError) Info() ErrorInfo {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return ErrorInfo{Kind: e.Kind, Message: msg, Hint: e.Hint}
}

// NewValidationError reports a schema mismatch found before dispatch.
func NewValidationError(message, hint string) *TaskError {
	return &TaskError{Kind: ErrorKindValidation, Message: message, Hint: hint}
}

// NewPolicyDeniedError reports an authorization refusal.
func NewPolicyDeniedError(message string) *TaskError {
	return &TaskError{Kind: ErrorKindPolicyDenied, Message: message}
}

// NewExecutionError wraps an agent reported failure.
func NewExecutionError(message string, cause error) *TaskError {
	return &TaskError{Kind: ErrorKindTaskExecution, Message: message, Cause: cause}
}

// NewTimeoutError reports an attempt that exceeded its timeout.
func NewTimeoutError(message string) *TaskError {
	return &TaskError{Kind: ErrorKindTimeout, Message: message, Cause: context.DeadlineExceeded}
}

// NewInvalidTransitionError reports an FSM guard rejection.
func NewInvalidTransitionError(message string) *TaskError {
	return &TaskError{Kind: ErrorKindInvalidTransition, Message: message}
}

// NewConcurrencyError reports an optimistic append conflict.
func NewConcurrencyError(message string, cause error) *TaskError {
	return &TaskError{Kind: ErrorKindConcurrency, Message: message, Cause: cause}
}

// AsTaskError classifies an arbitrary error. Typed errors pass through,
// deadline errors become timeouts and everything else is an execution
// failure.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TaskError{Kind: ErrorKindTimeout, Message: err.Error(), Cause: err}
	}
	return &TaskError{Kind: ErrorKindTaskExecution, Message: err.Error(), Cause: err}
}

// ErrorInfo is the structured failure carried in task_failed events.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"`
}

// FieldError is a single schema violation with a remediation hint.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (f FieldError) String() string {
	if f.Hint == "" {
		return fmt.Sprintf("%s: %s", f.Path, f.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", f.Path, f.Message, f.Hint)
}
