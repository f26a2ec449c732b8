package accumulator

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/behrlich/auoms-collector/internal/event"
	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/pqueue"
)

// ProcessInventoryScanner periodically walks /proc, refreshing the process
// filter on every scan and, no more often than minEventPeriod, emitting one
// AUOMS_PROCESS_INVENTORY event per running process (SPEC_FULL.md §4.3).
type ProcessInventoryScanner struct {
	accum          *Accumulator
	filter         *ProcessFilter
	period         time.Duration
	minEventPeriod time.Duration
	procRoot       string
	log            *logging.Logger

	runID       uuid.UUID
	lastEventAt time.Time
	nextSerial  uint64
}

// defaults from the original's PROCESS_INVENTORY_FETCH_INTERVAL /
// PROCESS_INVENTORY_EVENT_INTERVAL constants, surfaced in config as
// proc_inventory_period / proc_inventory_min_period.
const (
	DefaultScanPeriod     = 300 * time.Second
	DefaultMinEventPeriod = 3600 * time.Second
)

// NewProcessInventoryScanner returns a scanner rooted at /proc. Tests may
// override procRoot via SetProcRoot to point at a fixture tree.
func NewProcessInventoryScanner(accum *Accumulator, filter *ProcessFilter, period, minEventPeriod time.Duration, log *logging.Logger) *ProcessInventoryScanner {
	if period <= 0 {
		period = DefaultScanPeriod
	}
	if minEventPeriod <= 0 {
		minEventPeriod = DefaultMinEventPeriod
	}
	return &ProcessInventoryScanner{
		accum:          accum,
		filter:         filter,
		period:         period,
		minEventPeriod: minEventPeriod,
		procRoot:       "/proc",
		log:            log,
		runID:          uuid.New(),
	}
}

// SetProcRoot overrides the root the scanner walks, for tests.
func (s *ProcessInventoryScanner) SetProcRoot(root string) {
	s.procRoot = root
}

// Run blocks, scanning every s.period until ctx is cancelled.
func (s *ProcessInventoryScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.scanOnce(); err != nil {
				if s.log != nil {
					s.log.Warnf("proc inventory scan: %v", err)
				}
				if isQueueClosed(err) {
					return
				}
			}
		}
	}
}

// scanOnce refreshes the process filter from every pid directory under
// procRoot and, if minEventPeriod has elapsed since the last one, emits an
// inventory event per process.
func (s *ProcessInventoryScanner) scanOnce() error {
	entries, err := os.ReadDir(s.procRoot)
	if err != nil {
		return err
	}

	emit := time.Since(s.lastEventAt) >= s.minEventPeriod
	if emit {
		s.lastEventAt = time.Now()
	}

	for _, e := range entries {
		pid, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		info, err := readProcessInfo(s.procRoot, int32(pid))
		if err != nil {
			continue // process exited mid-scan; skip it
		}
		s.filter.Observe(info.pid, info.ppid)

		if !emit {
			continue
		}
		if err := s.emitInventoryRecord(info); err != nil {
			if isQueueClosed(err) {
				return err
			}
			continue
		}
	}
	return nil
}

// emitInventoryRecord drives the shared Accumulator's Builder directly, so
// it holds the Accumulator's builder lock for the entire event (BeginEvent
// through EndEvent) to keep it from interleaving with a concurrent Feed.
func (s *ProcessInventoryScanner) emitInventoryRecord(info procInfo) error {
	s.accum.lockBuilder()
	defer s.accum.unlockBuilder()

	sec := uint64(time.Now().Unix())
	s.nextSerial++

	b := s.accum.builder
	if err := b.BeginEvent(sec, 0, s.nextSerial, 1); err != nil {
		return unwrapQueueClosed(err)
	}
	if err := b.SetEventPid(info.pid); err != nil {
		return s.accum.abort(err)
	}
	if err := b.BeginRecord(event.RecordTypeProcessInventory, "AUOMS_PROCESS_INVENTORY", "", 16); err != nil {
		return s.accum.abort(err)
	}

	fields := []struct {
		name string
		raw  string
		ft   event.FieldType
	}{
		{"pid", strconv.FormatInt(int64(info.pid), 10), event.FieldUnclassified},
		{"ppid", strconv.FormatInt(int64(info.ppid), 10), event.FieldUnclassified},
		{"ses", strconv.FormatInt(info.ses, 10), event.FieldSession},
		{"uid", strconv.FormatInt(info.uid, 10), event.FieldUID},
		{"euid", strconv.FormatInt(info.euid, 10), event.FieldUID},
		{"suid", strconv.FormatInt(info.suid, 10), event.FieldUID},
		{"fsuid", strconv.FormatInt(info.fsuid, 10), event.FieldUID},
		{"gid", strconv.FormatInt(info.gid, 10), event.FieldGID},
		{"egid", strconv.FormatInt(info.egid, 10), event.FieldGID},
		{"sgid", strconv.FormatInt(info.sgid, 10), event.FieldGID},
		{"fsgid", strconv.FormatInt(info.fsgid, 10), event.FieldGID},
		{"comm", info.comm, event.FieldUnclassified},
		{"exe", info.exe, event.FieldUnclassified},
		{"cmdline", info.cmdline, event.FieldUnclassified},
		{"cmdline_truncated", strconv.FormatBool(info.cmdlineTruncated), event.FieldUnclassified},
		{"run_id", s.runID.String(), event.FieldUnclassified},
	}
	for _, f := range fields {
		interp := interpret(f.ft, f.raw, s.accum.users, s.accum.groups)
		if err := b.AddField(f.name, f.raw, interp, f.ft); err != nil {
			return s.accum.abort(err)
		}
	}
	if err := b.EndRecord(); err != nil {
		return s.accum.abort(err)
	}
	return unwrapQueueClosed(b.EndEvent())
}

type procInfo struct {
	pid, ppid                        int32
	uid, euid, suid, fsuid           int64
	gid, egid, sgid, fsgid           int64
	ses                              int64
	comm, exe, cmdline               string
	cmdlineTruncated                 bool
}

func readProcessInfo(procRoot string, pid int32) (procInfo, error) {
	info := procInfo{pid: pid, ses: -1}
	base := filepath.Join(procRoot, strconv.FormatInt(int64(pid), 10))

	stat, err := os.ReadFile(filepath.Join(base, "stat"))
	if err != nil {
		return info, err
	}
	info.ppid = parsePPID(string(stat))

	if status, err := os.ReadFile(filepath.Join(base, "status")); err == nil {
		info.uid, info.euid, info.suid, info.fsuid = parseIDLine(string(status), "Uid:")
		info.gid, info.egid, info.sgid, info.fsgid = parseIDLine(string(status), "Gid:")
	}

	if ses, err := os.ReadFile(filepath.Join(base, "sessionid")); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(ses)), 10, 64); err == nil {
			info.ses = v
		}
	}

	if comm, err := os.ReadFile(filepath.Join(base, "comm")); err == nil {
		info.comm = strings.TrimSpace(string(comm))
	}

	if exe, err := os.Readlink(filepath.Join(base, "exe")); err == nil {
		info.exe = exe
	}

	if raw, err := os.ReadFile(filepath.Join(base, "cmdline")); err == nil {
		args := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
		var b strings.Builder
		for i, a := range args {
			if i > 0 {
				b.WriteByte(' ')
			}
			bashEscapeString(&b, a)
		}
		s := b.String()
		const maxCmdline = 65534
		if len(s) > maxCmdline {
			s = s[:maxCmdline]
			info.cmdlineTruncated = true
		}
		info.cmdline = s
	}

	return info, nil
}

// parsePPID extracts field 4 of /proc/<pid>/stat, which is (ppid) and
// immune to the process-name field containing spaces or parens, since that
// field is itself wrapped in the last matching pair of parens.
func parsePPID(stat string) int32 {
	closeParen := strings.LastIndexByte(stat, ')')
	if closeParen < 0 || closeParen+2 >= len(stat) {
		return 0
	}
	rest := strings.Fields(stat[closeParen+2:])
	if len(rest) < 2 {
		return 0
	}
	ppid, _ := strconv.ParseInt(rest[1], 10, 32)
	return int32(ppid)
}

// parseIDLine parses a "Uid:\treal\teffective\tsaved\tfs" (or Gid:) line
// from /proc/<pid>/status.
func parseIDLine(status, prefix string) (real, effective, saved, fs int64) {
	scanner := bufio.NewScanner(strings.NewReader(status))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		parts := strings.Fields(strings.TrimPrefix(line, prefix))
		vals := make([]int64, 4)
		for i := 0; i < len(parts) && i < 4; i++ {
			v, err := strconv.ParseInt(parts[i], 10, 64)
			if err == nil {
				vals[i] = v
			}
		}
		return vals[0], vals[1], vals[2], vals[3]
	}
	return 0, 0, 0, 0
}

// isQueueClosed reports whether err indicates the destination queue has
// been closed, terminating an inventory scan immediately rather than
// continuing to visit the remaining processes (resolves the Open Question
// in SPEC_FULL.md §9).
func isQueueClosed(err error) bool {
	return errors.Is(err, pqueue.ErrClosed)
}
