package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. Every terminal Failed or Cancelled
// task and session carries exactly one kind plus a human-readable reason.
type ErrorKind string

const (
	// KindConfigurationInvalid marks a bad capability or agent declaration.
	// It is fatal at startup and never retried.
	KindConfigurationInvalid ErrorKind = "configuration_invalid"
	// KindNoEligibleAgent is a transient routing failure: no Ready/Running
	// agent currently offers the required capability.
	KindNoEligibleAgent ErrorKind = "no_eligible_agent"
	// KindNoCapacity means the allocator's requeue budget was exhausted.
	KindNoCapacity ErrorKind = "no_capacity"
	// KindModelConnection is a transient backend failure (network, timeout).
	// It is retried with backoff and then falls back to the next binding.
	KindModelConnection ErrorKind = "model_connection"
	// KindAgentError is an agent-level fault driving lifecycle recovery.
	KindAgentError ErrorKind = "agent_error"
	// KindTaskError is a task-local failure, terminal for that task only.
	KindTaskError ErrorKind = "task_error"
	// KindCollaboration covers session-level failures including propagated
	// sub-task errors.
	KindCollaboration ErrorKind = "collaboration"
	// KindDeadlockDetected reports a cycle of unmet peer-to-peer
	// dependencies inside a collaboration session.
	KindDeadlockDetected ErrorKind = "deadlock_detected"
	// KindCancelled marks user or system initiated cancellation. It is not
	// counted as a failure for scoring purposes.
	KindCancelled ErrorKind = "cancelled"
)

// Error is the engine-wide error type. Reason is display-ready; Err holds the
// wrapped cause, if any.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinel comparisons like
// errors.Is(err, core.ErrNoEligibleAgent) work regardless of the reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds an Error with a preformatted reason.
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Errorf builds an Error with a formatted reason.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and reason to a cause.
func WrapError(kind ErrorKind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Sentinel values for errors.Is comparisons.
var (
	ErrConfigurationInvalid = NewError(KindConfigurationInvalid, "configuration invalid")
	ErrNoEligibleAgent      = NewError(KindNoEligibleAgent, "no eligible agent")
	ErrNoCapacity           = NewError(KindNoCapacity, "no capacity")
	ErrModelConnection      = NewError(KindModelConnection, "model connection failed")
	ErrDeadlockDetected     = NewError(KindDeadlockDetected, "deadlock detected")
	ErrCancelled            = NewError(KindCancelled, "cancelled")
)

// KindOf extracts the ErrorKind from err, walking the wrap chain. Unclassified
// errors report KindTaskError.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTaskError
}

// ReasonOf returns the display-ready reason of err, falling back to the plain
// error text for unclassified errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsTransient reports whether err belongs to a retryable class. Only model
// connection failures qualify; cancellation and task-local errors never do.
func IsTransient(err error) bool {
	return KindOf(err) == KindModelConnection
}
