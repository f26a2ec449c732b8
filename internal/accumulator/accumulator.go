// Package accumulator groups raw audit record lines into completed events,
// assembles the synthetic EXECVE and process-inventory records, and drives
// an event.Builder to commit each completed event (SPEC_FULL.md §4.3).
package accumulator

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/behrlich/auoms-collector/internal/event"
	"github.com/behrlich/auoms-collector/internal/pqueue"
)

// flushThreshold is how far a new record's timestamp must advance past an
// in-flight group's timestamp before that group is force-flushed.
const flushThreshold = 1 * time.Second

// maxPending bounds the number of concurrently in-flight groups, guarding
// against a missing EOE wedging memory open indefinitely.
const maxPending = 256

type eventKey struct {
	sec    uint64
	msec   uint32
	serial uint64
}

type inFlightEvent struct {
	key     eventKey
	records []rawRecord
	seenAt  time.Time
}

// Accumulator serializes access to its event.Builder behind mu: the pump
// goroutine (Feed, one raw line at a time) and the process inventory
// scanner (emitInventoryRecord, holding lockBuilder for the span of one
// synthetic event) both drive the same Builder and must not interleave
// Begin*/Add*/End* calls against it.
type Accumulator struct {
	builder *event.Builder
	users   UserResolver
	groups  GroupResolver
	filter  *ProcessFilter

	mu      sync.Mutex
	pending []*inFlightEvent
}

// New returns an Accumulator that commits completed events through b.
func New(b *event.Builder, users UserResolver, groups GroupResolver) *Accumulator {
	return &Accumulator{builder: b, users: users, groups: groups}
}

// SetFilter attaches the process filter used to stamp filter-hint bits into
// each event's flags (upper byte), maintained by the process inventory scan.
func (a *Accumulator) SetFilter(f *ProcessFilter) {
	a.filter = f
}

// Feed processes one raw audit line. A QueueClosed error (surfaced by the
// underlying pqueue once the collector is shutting down) propagates so the
// caller can terminate its goroutine cleanly.
func (a *Accumulator) Feed(line string) error {
	rec, ok := parseLine(line)
	if !ok {
		return nil
	}
	key := eventKey{rec.Sec, rec.Msec, rec.Serial}

	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.Type == "EOE" {
		if g := a.take(key); g != nil {
			return a.finish(g)
		}
		return nil
	}

	g := a.findOrCreate(key)
	g.records = append(g.records, rec)

	return a.evictStale(rec.Sec)
}

// lockBuilder grants a second caller — the process inventory scanner —
// exclusive access to the Builder and resolver fields for the span of one
// synthetic event. Callers must pair every lockBuilder with unlockBuilder,
// ideally via defer, and must not call Feed while holding it.
func (a *Accumulator) lockBuilder() {
	a.mu.Lock()
}

func (a *Accumulator) unlockBuilder() {
	a.mu.Unlock()
}

func (a *Accumulator) findOrCreate(key eventKey) *inFlightEvent {
	for _, g := range a.pending {
		if g.key == key {
			return g
		}
	}
	g := &inFlightEvent{key: key, seenAt: time.Now()}
	a.pending = append(a.pending, g)
	return g
}

func (a *Accumulator) take(key eventKey) *inFlightEvent {
	for i, g := range a.pending {
		if g.key == key {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return g
		}
	}
	return nil
}

// evictStale force-flushes any pending group whose timestamp has fallen
// at least flushThreshold behind the newest observed timestamp, or when
// the pending set has grown past maxPending (a missing EOE).
func (a *Accumulator) evictStale(newestSec uint64) error {
	for len(a.pending) > 0 {
		oldest := a.pending[0]
		tooOld := newestSec > oldest.key.sec && time.Duration(newestSec-oldest.key.sec)*time.Second >= flushThreshold
		tooMany := len(a.pending) > maxPending
		if !tooOld && !tooMany {
			return nil
		}
		a.pending = a.pending[1:]
		if err := a.finish(oldest); err != nil {
			return err
		}
	}
	return nil
}

// finish decides how to emit a completed group and commits it.
func (a *Accumulator) finish(g *inFlightEvent) error {
	if len(g.records) == 0 {
		return nil // only an EOE ever arrived for this id; nothing to emit.
	}

	syscallRec, hasSyscall := findRecordByType(g.records, "SYSCALL")
	execveRec, hasExecve := findRecordByType(g.records, "EXECVE")
	if hasSyscall && hasExecve {
		return a.emitExecve(g.key, syscallRec, execveRec, g.records)
	}
	return a.emitPassthrough(g)
}

func findRecordByType(records []rawRecord, typ string) (rawRecord, bool) {
	for _, r := range records {
		if r.Type == typ {
			return r, true
		}
	}
	return rawRecord{}, false
}

// findFirstPath returns the PATH record with item=0, the one describing the
// executed binary itself.
func findFirstPath(records []rawRecord) (rawRecord, bool) {
	for _, r := range records {
		if r.Type != "PATH" {
			continue
		}
		if f, ok := findField(r.Fields, "item"); !ok || f.Raw == "0" {
			return r, true
		}
	}
	return rawRecord{}, false
}

var argFieldRe = regexp.MustCompile(`^a(\d+)$`)

// excludedUnionFields are dropped from the SYSCALL/CWD/PATH union per
// SPEC_FULL.md's EXECVE scenario: argv fields are replaced by the
// synthesized cmdline, and bookkeeping fields carry no useful signal once
// merged into one record.
func excludedUnionFields(name string) bool {
	switch name {
	case "type", "items", "item":
		return true
	}
	return argFieldRe.MatchString(name)
}

// emitExecve assembles the synthetic AUOMS_EXECVE (or, if CWD/PATH are
// missing, AUOMS_EXECVE_FRAGMENT) record and commits it as a one-record
// event.
func (a *Accumulator) emitExecve(key eventKey, syscallRec, execveRec rawRecord, all []rawRecord) error {
	cwdRec, hasCwd := findRecordByType(all, "CWD")
	pathRec, hasPath := findFirstPath(all)
	complete := hasCwd && hasPath

	recordType := uint32(event.RecordTypeExecveFragment)
	recordName := "AUOMS_EXECVE_FRAGMENT"
	if complete {
		recordType = uint32(event.RecordTypeExecve)
		recordName = "AUOMS_EXECVE"
	}

	var union []rawField
	union = append(union, filterFields(syscallRec.Fields)...)
	if hasCwd {
		union = append(union, filterFields(cwdRec.Fields)...)
	}
	if hasPath {
		union = append(union, filterFields(pathRec.Fields)...)
	}

	cmdline, truncated := assembleCmdline(execveRec.Fields)

	if err := a.builder.BeginEvent(key.sec, key.msec, key.serial, 1); err != nil {
		return unwrapQueueClosed(err)
	}
	a.stampFilterFlags(syscallRec)

	numFields := uint16(len(union) + 2)
	if err := a.builder.BeginRecord(recordType, recordName, "", numFields); err != nil {
		return a.abort(err)
	}
	for _, f := range union {
		ft := classify(f.Name)
		interp := interpret(ft, f.Raw, a.users, a.groups)
		if err := a.builder.AddField(f.Name, f.Raw, interp, ft); err != nil {
			return a.abort(err)
		}
	}
	if err := a.builder.AddField("cmdline", cmdline, "", event.FieldUnclassified); err != nil {
		return a.abort(err)
	}
	if err := a.builder.AddField("cmdline_truncated", strconv.FormatBool(truncated), "", event.FieldUnclassified); err != nil {
		return a.abort(err)
	}
	if err := a.builder.EndRecord(); err != nil {
		return a.abort(err)
	}
	return unwrapQueueClosed(a.builder.EndEvent())
}

func filterFields(fields []rawField) []rawField {
	out := make([]rawField, 0, len(fields))
	for _, f := range fields {
		if !excludedUnionFields(f.Name) {
			out = append(out, f)
		}
	}
	return out
}

// assembleCmdline unescapes and bash-escapes each a<N> argument of an EXECVE
// record and joins them with spaces, truncating to 65534 bytes.
func assembleCmdline(fields []rawField) (string, bool) {
	type arg struct {
		n int
		v string
	}
	var args []arg
	for _, f := range fields {
		m := argFieldRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		_, v := unescapeRawField(f.Raw)
		args = append(args, arg{n, v})
	}
	for i := 1; i < len(args); i++ {
		for j := i; j > 0 && args[j-1].n > args[j].n; j-- {
			args[j-1], args[j] = args[j], args[j-1]
		}
	}

	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		bashEscapeString(&b, a.v)
	}

	s := b.String()
	truncated := false
	const maxCmdline = 65534
	if len(s) > maxCmdline {
		s = s[:maxCmdline]
		truncated = true
	}
	return s, truncated
}

// emitPassthrough emits one record per non-EOE raw line in the group, in
// arrival order, for any group that did not resolve to an EXECVE assembly.
func (a *Accumulator) emitPassthrough(g *inFlightEvent) error {
	if err := a.builder.BeginEvent(g.key.sec, g.key.msec, g.key.serial, uint16(len(g.records))); err != nil {
		return unwrapQueueClosed(err)
	}
	if syscallRec, ok := findRecordByType(g.records, "SYSCALL"); ok {
		a.stampFilterFlags(syscallRec)
	}

	for _, r := range g.records {
		if err := a.builder.BeginRecord(recordTypeNumber(r.Type), r.Type, r.RawLine, uint16(len(r.Fields))); err != nil {
			return a.abort(err)
		}
		for _, f := range r.Fields {
			ft := classify(f.Name)
			interp := interpret(ft, f.Raw, a.users, a.groups)
			if err := a.builder.AddField(f.Name, f.Raw, interp, ft); err != nil {
				return a.abort(err)
			}
		}
		if err := a.builder.EndRecord(); err != nil {
			return a.abort(err)
		}
	}
	return unwrapQueueClosed(a.builder.EndEvent())
}

// stampFilterFlags ORs the process filter's hint bits for the event's pid
// (from the SYSCALL record, if present) into the event's flags.
func (a *Accumulator) stampFilterFlags(syscallRec rawRecord) {
	if a.filter == nil {
		return
	}
	f, ok := findField(syscallRec.Fields, "pid")
	if !ok {
		return
	}
	pid, err := strconv.ParseInt(f.Raw, 10, 32)
	if err != nil {
		return
	}
	hint := a.filter.Hint(int32(pid))
	if hint != 0 {
		_ = a.builder.AddEventFlags(uint16(hint) << 8)
	}
}

func (a *Accumulator) abort(err error) error {
	_ = a.builder.CancelEvent()
	return unwrapQueueClosed(err)
}

// unwrapQueueClosed normalizes a closed-queue error from the underlying
// allocator so callers can check it with errors.Is against pqueue.ErrClosed
// regardless of how many layers wrapped it.
func unwrapQueueClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pqueue.ErrClosed) {
		return pqueue.ErrClosed
	}
	return err
}
