// Package engine drives compiled topologies to their desired state: plan
// computation, wave-ordered reconciliation with bounded parallelism,
// readiness waiters, and durable per-node state.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient marks temporary provider failures worth retrying.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled marks provider rate limiting; retried with a
	// longer backoff base.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict marks a resource state conflict (concurrent
	// modification on the provider side).
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent marks non-recoverable failures: quota,
	// permission, invalid configuration.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Fault codes. Build faults originate in the topology package and are
// wrapped with CodeBuildFault; the rest are produced here.
const (
	CodeBuildFault    = "BUILD_FAULT"
	CodePlanFault     = "PLAN_FAULT"
	CodeProviderFault = "PROVIDER_FAULT"
	CodeWaiterTimeout = "WAITER_TIMEOUT"
	CodeDriftFault    = "DRIFT_FAULT"
	CodeDestroySafety = "DESTROY_SAFETY"
	CodeLocked        = "LOCKED"
	CodeDependency    = "DEPENDENCY_FAILED"
	CodeInternal      = "INTERNAL"
)

// Error is a classified engine error with node and operation context.
type Error struct {
	Class     ErrorClass `json:"class"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message"`
	NodeID    string     `json:"node_id,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Err       error      `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" (node=%s", e.NodeID)
		if e.Operation != "" {
			msg += ", op=" + e.Operation
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on class and code, so callers can compare against sentinel
// errors with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewTransient creates a retryable transient error.
func NewTransient(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottled creates a rate-limit error.
func NewThrottled(message string, err error) *Error {
	return &Error{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflict creates a provider-side conflict error.
func NewConflict(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanent creates a non-retryable error.
func NewPermanent(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode attaches a fault code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithNode attaches node context.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithOperation attaches operation context.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// IsRetryable reports whether the error class permits another attempt.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled ||
			e.Class == ErrorClassConflict
	}
	return false
}

// IsThrottled reports whether the error is rate limiting.
func IsThrottled(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassThrottled
}

// IsConflict reports whether the error is a provider-side conflict.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassConflict
}

// HasCode reports whether the error carries the given fault code.
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
