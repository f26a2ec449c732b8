package event

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Builder assembles one event at a time into a buffer obtained from an
// Allocator. It is not safe for concurrent use; callers that share one must
// serialize access, as the accumulator does with its own mutex for the
// pump and the process inventory scanner.
type Builder struct {
	alloc       Allocator
	prioritizer Prioritizer

	buf    []byte
	length uint32

	started      bool
	numRecords   uint16
	recordsAdded uint16

	inRecord          bool
	recStart          uint32
	recNumFields      uint16
	recFieldsAdded    uint16
	insertionIdxStart uint32
	sortedIdxStart    uint32

	inExtensions bool
	extStart     uint32
	extTotal     uint16
	extAdded     uint16
}

// NewBuilder returns a Builder that writes through alloc. prioritizer may be
// nil, in which case EndEvent leaves whatever priority SetEventPriority set
// (default 0, highest).
func NewBuilder(alloc Allocator, prioritizer Prioritizer) *Builder {
	return &Builder{alloc: alloc, prioritizer: prioritizer}
}

var (
	errAlreadyStarted      = fmt.Errorf("event: BeginEvent called while an event is already open")
	errNotStarted          = fmt.Errorf("event: operation requires an open event")
	errNoRecords           = fmt.Errorf("event: num_records must be >= 1")
	errInRecord            = fmt.Errorf("event: operation not valid while a record is open")
	errNoRecord             = fmt.Errorf("event: operation requires an open record")
	errRecordCountMismatch = fmt.Errorf("event: records added does not match declared num_records")
	errFieldCountMismatch  = fmt.Errorf("event: fields added does not match declared num_fields")
	errTooManyRecords      = fmt.Errorf("event: all declared records already added")
	errTooManyFields       = fmt.Errorf("event: all declared fields already added")
	errNameTooLong         = fmt.Errorf("event: name exceeds maximum length")
	errExtensionsOpen      = fmt.Errorf("event: extensions already open or already closed")
	errExtensionsCount     = fmt.Errorf("event: extensions added does not match declared count")
	errBufferTooSmall      = fmt.Errorf("event: buffer too small for item")
)

// BeginEvent opens a new event. serial is the kernel-assigned serial number;
// msec must be in [0,999]. numRecords must be >= 1.
func (b *Builder) BeginEvent(sec uint64, msec uint32, serial uint64, numRecords uint16) error {
	if b.started {
		return errAlreadyStarted
	}
	if numRecords == 0 {
		return errNoRecords
	}

	buf, err := b.alloc.Allocate(MaxItemSize)
	if err != nil {
		return err
	}

	putSizeVersion(buf, 0, FormatVersion) // tombstone until EndEvent commits
	binary.LittleEndian.PutUint64(buf[4:12], sec)
	binary.LittleEndian.PutUint32(buf[12:16], msec)
	binary.LittleEndian.PutUint64(buf[16:24], serial)
	binary.LittleEndian.PutUint16(buf[24:26], numRecords)
	binary.LittleEndian.PutUint16(buf[26:28], 0) // priority
	binary.LittleEndian.PutUint16(buf[28:30], 0) // flags
	binary.LittleEndian.PutUint32(buf[30:34], uint32(int32(-1))) // pid

	b.buf = buf
	b.length = eventHeaderSize + 4*uint32(numRecords)
	b.started = true
	b.numRecords = numRecords
	b.recordsAdded = 0
	b.inRecord = false
	b.inExtensions = false
	return nil
}

func (b *Builder) recordIndexSlot(i uint16) []byte {
	off := eventHeaderSize + 4*uint32(i)
	return b.buf[off : off+4]
}

// SetEventPriority overrides the priority a Prioritizer would otherwise
// assign; it is still subject to being overwritten by EndEvent if a
// Prioritizer is configured.
func (b *Builder) SetEventPriority(p uint16) error {
	if !b.started {
		return errNotStarted
	}
	binary.LittleEndian.PutUint16(b.buf[26:28], p)
	return nil
}

// AddEventFlags ORs additional bits into the event's flags word.
func (b *Builder) AddEventFlags(flags uint16) error {
	if !b.started {
		return errNotStarted
	}
	cur := binary.LittleEndian.Uint16(b.buf[28:30])
	binary.LittleEndian.PutUint16(b.buf[28:30], cur|flags)
	return nil
}

// SetEventPid sets the originating pid, or -1 if unknown.
func (b *Builder) SetEventPid(pid int32) error {
	if !b.started {
		return errNotStarted
	}
	binary.LittleEndian.PutUint32(b.buf[30:34], uint32(pid))
	return nil
}

// BeginRecord opens a new record within the current event. numFields must be
// >0; the name and text sizes, including the NUL this package appends, must
// each fit in a uint16.
func (b *Builder) BeginRecord(recordType uint32, name, text string, numFields uint16) error {
	if !b.started {
		return errNotStarted
	}
	if b.inRecord {
		return errInRecord
	}
	if b.recordsAdded >= b.numRecords {
		return errTooManyRecords
	}
	if len(name) >= MaxNameLen || len(text) >= MaxNameLen {
		return errNameTooLong
	}

	nameSize := uint32(len(name) + 1)
	textSize := uint32(len(text) + 1)

	recStart := b.length
	copy(b.recordIndexSlot(b.recordsAdded), u32le(recStart))

	binary.LittleEndian.PutUint32(b.buf[recStart:recStart+4], recordType)
	binary.LittleEndian.PutUint16(b.buf[recStart+4:recStart+6], numFields)
	binary.LittleEndian.PutUint16(b.buf[recStart+6:recStart+8], uint16(nameSize))
	binary.LittleEndian.PutUint16(b.buf[recStart+8:recStart+10], uint16(textSize))

	insertionIdxStart := recStart + recordHeaderSize
	sortedIdxStart := insertionIdxStart + 4*uint32(numFields)
	nameStart := sortedIdxStart + 4*uint32(numFields)
	textStart := nameStart + nameSize

	copy(b.buf[nameStart:], name)
	b.buf[nameStart+uint32(len(name))] = 0
	copy(b.buf[textStart:], text)
	b.buf[textStart+uint32(len(text))] = 0

	b.length = textStart + textSize
	b.inRecord = true
	b.recStart = recStart
	b.recNumFields = numFields
	b.recFieldsAdded = 0
	b.insertionIdxStart = insertionIdxStart
	b.sortedIdxStart = sortedIdxStart
	return nil
}

func u32le(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// AddField appends one field to the currently open record. interp may be
// empty, meaning no interpreted value is stored.
func (b *Builder) AddField(name, raw, interp string, ft FieldType) error {
	if !b.inRecord {
		return errNoRecord
	}
	if b.recFieldsAdded >= b.recNumFields {
		return errTooManyFields
	}
	if len(name) > MaxNameLen {
		return errNameTooLong
	}

	fieldStart := b.length
	nameSize := uint32(len(name) + 1)
	rawSize := uint32(len(raw) + 1)
	var interpSize uint32
	if interp != "" {
		interpSize = uint32(len(interp) + 1)
	}

	if fieldStart+fieldHeaderSize+nameSize+rawSize+interpSize > uint32(len(b.buf)) {
		return errBufferTooSmall
	}

	binary.LittleEndian.PutUint16(b.buf[fieldStart:fieldStart+2], uint16(ft))
	binary.LittleEndian.PutUint16(b.buf[fieldStart+2:fieldStart+4], uint16(nameSize))
	binary.LittleEndian.PutUint32(b.buf[fieldStart+4:fieldStart+8], rawSize)
	binary.LittleEndian.PutUint32(b.buf[fieldStart+8:fieldStart+12], interpSize)

	off := fieldStart + fieldHeaderSize
	copy(b.buf[off:], name)
	b.buf[off+uint32(len(name))] = 0
	off += nameSize
	copy(b.buf[off:], raw)
	b.buf[off+uint32(len(raw))] = 0
	off += rawSize
	if interpSize > 0 {
		copy(b.buf[off:], interp)
		b.buf[off+uint32(len(interp))] = 0
		off += interpSize
	}

	copy(b.buf[b.insertionIdxStart+4*uint32(b.recFieldsAdded):], u32le(fieldStart))

	b.length = off
	b.recFieldsAdded++
	return nil
}

// GetFieldCount returns how many fields have been added to the currently
// open record, letting a caller cross-check against the number of fields it
// declared before calling EndRecord.
func (b *Builder) GetFieldCount() uint16 {
	return b.recFieldsAdded
}

// EndRecord builds the sorted field index (a stable sort of the insertion
// index by field name) and closes the record.
func (b *Builder) EndRecord() error {
	if !b.inRecord {
		return errNoRecord
	}
	if b.recFieldsAdded != b.recNumFields {
		return errFieldCountMismatch
	}

	offsets := make([]uint32, b.recNumFields)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(b.buf[b.insertionIdxStart+4*uint32(i):])
	}

	sort.SliceStable(offsets, func(i, j int) bool {
		return b.fieldName(offsets[i]) < b.fieldName(offsets[j])
	})

	for i, off := range offsets {
		copy(b.buf[b.sortedIdxStart+4*uint32(i):], u32le(off))
	}

	b.inRecord = false
	b.recordsAdded++
	return nil
}

// fieldName returns the NUL-terminated name of the field at byte offset off
// within the buffer, without the trailing NUL.
func (b *Builder) fieldName(off uint32) string {
	nameSize := binary.LittleEndian.Uint16(b.buf[off+2 : off+4])
	start := off + fieldHeaderSize
	return string(b.buf[start : start+uint32(nameSize)-1])
}

// BeginExtensions opens the optional extensions trailer; it may only be
// called after every record has been ended.
func (b *Builder) BeginExtensions(n uint16) error {
	if !b.started || b.inRecord || b.recordsAdded != b.numRecords || b.inExtensions {
		return errExtensionsOpen
	}
	b.extStart = b.length
	binary.LittleEndian.PutUint32(b.buf[b.length:b.length+4], uint32(n))
	b.length += 4
	b.extTotal = n
	b.extAdded = 0
	b.inExtensions = true
	if err := b.AddEventFlags(FlagHasExtensions); err != nil {
		return err
	}
	return nil
}

// AddExtension appends one (type, payload) extension entry.
func (b *Builder) AddExtension(extType uint32, data []byte) error {
	if !b.inExtensions || b.extAdded >= b.extTotal {
		return errExtensionsCount
	}
	start := b.length
	need := start + 4 + 4 + uint32(len(data))
	if need > uint32(len(b.buf)) {
		return errBufferTooSmall
	}
	binary.LittleEndian.PutUint32(b.buf[start:start+4], extType)
	binary.LittleEndian.PutUint32(b.buf[start+4:start+8], uint32(len(data)))
	copy(b.buf[start+8:], data)
	b.length = need
	b.extAdded++
	return nil
}

// EndExtensions closes the trailer and writes the trailing u32 that locates
// it — this is the source bug called out in SPEC_FULL.md §9: the trailing
// word MUST hold the extensions sub-header's absolute byte offset.
func (b *Builder) EndExtensions() error {
	if !b.inExtensions || b.extAdded != b.extTotal {
		return errExtensionsCount
	}
	binary.LittleEndian.PutUint32(b.buf[b.length:b.length+4], b.extStart)
	b.length += 4
	b.inExtensions = false
	return nil
}

// EndEvent finalizes the event: it requires every declared record to have
// been added, invokes the configured Prioritizer (if any), writes the final
// size+version word, and commits the buffer to the allocator.
func (b *Builder) EndEvent() error {
	if !b.started {
		return errNotStarted
	}
	if b.inRecord {
		return errInRecord
	}
	if b.recordsAdded != b.numRecords {
		_ = b.CancelEvent()
		return errRecordCountMismatch
	}
	if b.inExtensions {
		_ = b.CancelEvent()
		return errExtensionsCount
	}

	if b.prioritizer != nil {
		p := b.prioritizer.Prioritize(b.buf[:b.length])
		binary.LittleEndian.PutUint16(b.buf[26:28], p)
	}

	putSizeVersion(b.buf, b.length, FormatVersion)
	final := b.buf[:b.length]
	b.reset()
	return b.alloc.Commit(final)
}

// CancelEvent discards the in-progress event: it writes a size=0 tombstone
// and releases the buffer back to the allocator without publishing it.
func (b *Builder) CancelEvent() error {
	if !b.started {
		return errNotStarted
	}
	putSizeVersion(b.buf, 0, FormatVersion)
	buf := b.buf
	b.reset()
	return b.alloc.Rollback(buf)
}

func (b *Builder) reset() {
	b.buf = nil
	b.started = false
	b.inRecord = false
	b.inExtensions = false
	b.recordsAdded = 0
	b.numRecords = 0
}
