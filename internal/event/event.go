// Package event implements the self-describing binary event format: a
// contiguous byte buffer holding one or more audit records, each carrying an
// insertion-order field index and a name-sorted field index for binary
// search. Buffers are built in place into a caller-supplied allocation (see
// Allocator); the priority queue's Commit copies each finished buffer once
// into its bucket.
package event

import "encoding/binary"

// Synthetic record types emitted by the accumulator (§4.3).
const (
	RecordTypeExecve         = 14688
	RecordTypeExecveFragment = 11309
	RecordTypeProcessInventory = 10000
)

// Flag bits stored in the event header's flags field.
const (
	FlagIsAuomsEvent  uint16 = 1 << 0
	FlagHasExtensions uint16 = 1 << 1
	// Bits 8-15 carry process-filter hints stamped by the accumulator;
	// see Accumulator.stampFilterFlags in internal/accumulator.
)

// FieldType enumerates how a field's raw value should be interpreted.
type FieldType uint16

const (
	FieldUnclassified FieldType = iota
	FieldUID
	FieldGID
	FieldSession
	FieldEscaped
	FieldProctitle
	FieldUnescaped
)

// Size limits enforced by the builder.
const (
	MaxNameLen  = 0xFFFF // excludes NUL
	MaxFieldRaw = 0xFFFFFFFF
	// MaxItemSize mirrors the priority queue's per-item cap (§4.5); the
	// builder refuses to grow a buffer past it.
	MaxItemSize = 256 * 1024
)

const (
	versionShift = 24
	sizeMask     = 0x00FFFFFF
)

// eventHeaderSize is the fixed portion of the event header, before the
// per-record index: size+version(4) sec(8) msec(4) serial(8) num_records(2)
// priority(2) flags(2) pid(4).
const eventHeaderSize = 4 + 8 + 4 + 8 + 2 + 2 + 2 + 4

// recordHeaderSize is the fixed portion of a record header: record_type(4)
// num_fields(2) name_size(2) text_size(2).
const recordHeaderSize = 4 + 2 + 2 + 2

// fieldHeaderSize is the fixed portion of a field header: field_type(2)
// name_size(2) raw_size(4) interp_size(4).
const fieldHeaderSize = 2 + 2 + 4 + 4

func putSizeVersion(buf []byte, size uint32, version uint8) {
	binary.LittleEndian.PutUint32(buf, (size&sizeMask)|(uint32(version)<<versionShift))
}

func getSizeVersion(buf []byte) (size uint32, version uint8) {
	v := binary.LittleEndian.Uint32(buf)
	return v & sizeMask, uint8(v >> versionShift)
}

// FormatVersion is the only version this package writes.
const FormatVersion uint8 = 1
