// Package pipeline holds the structured error type shared by every stage of
// the collector pipeline (event builder, queues, accumulator, collector,
// outputs).
package pipeline

import (
	"errors"
	"fmt"
)

// Kind is the high-level error category a pipeline error falls into.
type Kind string

const (
	// KindTransient covers queue file writes, cursor writes, and netlink
	// round-trips that are logged and retried on a schedule.
	KindTransient Kind = "transient-io"
	// KindProtocol covers malformed netlink rules and invalid audit lines;
	// the offending record is dropped and logged with context.
	KindProtocol Kind = "protocol"
	// KindCapacity covers SPSC drops and eviction under memory/disk
	// pressure; accounted as metrics, logged at most once per minute.
	KindCapacity Kind = "capacity"
	// KindFatal covers RSS/VIRT limit breaches and mandatory directory
	// creation failures; the caller should terminate the process.
	KindFatal Kind = "fatal"
	// KindPreemption signals another process claimed the audit pid; the
	// collector should exit cleanly so a supervisor can restart it.
	KindPreemption Kind = "preemption"
	// KindQueueClosed marks an error caused by a closed queue; the calling
	// stage must stop cleanly. pqueue and spscqueue themselves report a
	// closed queue with their own ErrClosed sentinels, not with this Kind.
	KindQueueClosed Kind = "queue-closed"
)

// Error is the structured error type returned by pipeline components.
type Error struct {
	Op       string
	Kind     Kind
	Priority int
	Sequence uint64
	Path     string
	Msg      string
	Inner    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Inner != nil {
		msg = e.Inner.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New builds a pipeline error of the given kind.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// Wrap attaches op/kind context to an existing error, preserving it as the
// Inner cause so errors.Is/errors.As keep working.
func Wrap(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}
	if pe, ok := inner.(*Error); ok {
		return &Error{Op: op, Kind: kind, Priority: pe.Priority, Sequence: pe.Sequence, Path: pe.Path, Msg: pe.Msg, Inner: pe.Inner}
	}
	return &Error{Op: op, Kind: kind, Msg: inner.Error(), Inner: inner}
}

// QueueClosed reports whether err (or any error it wraps) is KindQueueClosed.
func QueueClosed(err error) bool {
	return IsKind(err, KindQueueClosed)
}

// IsKind reports whether err (or any error it wraps) is of the given Kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
