// Package output implements the output stage: draining a priority-queue
// cursor, rendering each event through an EventWriter, and writing it to a
// transport, with an optional ack window (SPEC_FULL.md §4.6).
package output

import (
	"errors"
	"io"
)

// NOOP is the sentinel WriteEvent returns when the writer's own filter
// dropped the event (not an error, not a byte count).
const NOOP = -4

// ErrWriteFailed signals the transport is no longer usable and the output
// should reconnect; it never means "filtered".
var ErrWriteFailed = errors.New("output: write failed")

// EventID is the (sec, msec, serial) triple used to identify and acknowledge
// one event; ack messages carry the highest id they cover.
type EventID struct {
	Sec    uint64
	Msec   uint32
	Serial uint64
}

// Compare returns -1, 0, or 1 as id sorts before, at, or after other, using
// the same (sec, msec, serial) tuple order the accumulator groups by.
func (id EventID) Compare(other EventID) int {
	switch {
	case id.Sec != other.Sec:
		return cmpUint64(id.Sec, other.Sec)
	case id.Msec != other.Msec:
		return cmpUint64(uint64(id.Msec), uint64(other.Msec))
	default:
		return cmpUint64(id.Serial, other.Serial)
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// EventWriter is the output format contract: encoding an already-built event
// buffer (§3) onto a transport, and decoding acks the peer sends back. One
// EventWriter is shared by every connection an Output makes over its
// lifetime; it holds no per-connection state.
type EventWriter interface {
	// SupportsAckMode reports whether ReadAck is meaningful for this
	// format; outputs configured for ack mode against a writer that
	// returns false are a configuration error the caller should reject.
	SupportsAckMode() bool

	// WriteEvent renders data (a full §3 event buffer) onto w. It returns
	// the number of bytes written (>= 0), NOOP if this writer's own filter
	// dropped the event, or wraps ErrWriteFailed if the transport failed.
	WriteEvent(data []byte, w io.Writer) (int, error)

	// ReadAck blocks for one ack message and returns the event id it
	// covers. Only called when SupportsAckMode() is true.
	ReadAck(r io.Reader) (EventID, error)
}

func writeAll(w io.Writer, buf []byte) (int, error) {
	n, err := io.Writer(w).Write(buf)
	if err != nil {
		return n, wrapWriteFailed(err)
	}
	if n != len(buf) {
		return n, wrapWriteFailed(io.ErrShortWrite)
	}
	return n, nil
}

func wrapWriteFailed(err error) error {
	return &writeFailedError{inner: err}
}

type writeFailedError struct{ inner error }

func (e *writeFailedError) Error() string { return "output: write failed: " + e.inner.Error() }
func (e *writeFailedError) Unwrap() error { return e.inner }
func (e *writeFailedError) Is(target error) bool { return target == ErrWriteFailed }
