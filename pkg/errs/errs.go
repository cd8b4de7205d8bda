package errs

import (
	"errors"
	"fmt"
)

// Kind classifies errors so the scheduler can decide retriability and the
// API collaborator can map them to user-visible responses.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindNotFound           Kind = "not_found"
	KindTimeout            Kind = "timeout"
	KindRuntimeUnavailable Kind = "runtime_unavailable"
	KindImageMissing       Kind = "image_missing"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindLLMUnavailable     Kind = "llm_unavailable"
	KindKVUnavailable      Kind = "kv_unavailable"
	KindInvalidOutput      Kind = "invalid_output"
	KindLoopDetected       Kind = "loop_detected"
	KindWorkerLost         Kind = "worker_lost"
	KindCancelled          Kind = "cancelled"
	KindQueueFull          Kind = "queue_full"
	KindIllegalTransition  Kind = "illegal_transition"
	KindInternal           Kind = "internal"
)

// Error carries a kind, a human message, and an optional wrapped cause
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetriable reports whether a failed task should be retried. Transient
// infrastructure failures and timeouts are retried; caller errors, terminal
// scan outcomes, and cancellations are not.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRuntimeUnavailable, KindLLMUnavailable, KindKVUnavailable, KindResourceExhausted:
		return true
	default:
		return false
	}
}
