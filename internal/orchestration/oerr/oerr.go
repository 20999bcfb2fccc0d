// Package oerr defines the orchestration error taxonomy.
// Every user-visible failure carries a Kind, a human message, and for
// InvalidArgument a hint enumerating acceptable values.
package oerr

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration error.
type Kind string

const (
	// NotFound means an unknown instance or message id.
	NotFound Kind = "not_found"
	// SpawnFailed means any failure before an instance reached running.
	SpawnFailed Kind = "spawn_failed"
	// PaneGone means the underlying terminal session disappeared.
	PaneGone Kind = "pane_gone"
	// SendFailed means a pane write was aborted.
	SendFailed Kind = "send_failed"
	// Timeout means a reply did not arrive within the deadline.
	Timeout Kind = "timeout"
	// QueueFull means an inbound queue is at capacity.
	QueueFull Kind = "queue_full"
	// CapacityExceeded means the max concurrent instance cap was reached.
	CapacityExceeded Kind = "capacity_exceeded"
	// InvalidArgument means a malformed or unsupported caller input.
	InvalidArgument Kind = "invalid_argument"
	// Internal means a bug or unexpected I/O fault.
	Internal Kind = "internal"
)

// Error is a classified orchestration error.
type Error struct {
	Kind Kind
	// Msg is the human-readable message.
	Msg string
	// Hint enumerates acceptable values for InvalidArgument errors.
	Hint string
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithHint attaches a hint enumerating acceptable values.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HintOf returns the hint attached to err, if any.
func HintOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Hint
	}
	return ""
}
