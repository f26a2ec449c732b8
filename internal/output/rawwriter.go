package output

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ackWireSize is the 20-byte ack: u64 sec || u32 msec || u64 serial
// (SPEC_FULL.md §6, "Output socket protocol (raw)").
const ackWireSize = 8 + 4 + 8

// RawEventWriter writes each event as its own wire buffer (§3), prefixed by
// its size in a little-endian u32, and reads 20-byte acks back. It is the
// one format the wire protocol in §6 specifies directly.
type RawEventWriter struct{}

func (RawEventWriter) SupportsAckMode() bool { return true }

func (RawEventWriter) WriteEvent(data []byte, w io.Writer) (int, error) {
	var sizePrefix [4]byte
	binary.LittleEndian.PutUint32(sizePrefix[:], uint32(len(data)))
	if _, err := writeAll(w, sizePrefix[:]); err != nil {
		return 0, err
	}
	n, err := writeAll(w, data)
	if err != nil {
		return n, err
	}
	return n, nil
}

func (RawEventWriter) ReadAck(r io.Reader) (EventID, error) {
	var buf [ackWireSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return EventID{}, fmt.Errorf("read ack: %w", err)
	}
	return EventID{
		Sec:    binary.LittleEndian.Uint64(buf[0:8]),
		Msec:   binary.LittleEndian.Uint32(buf[8:12]),
		Serial: binary.LittleEndian.Uint64(buf[12:20]),
	}, nil
}
