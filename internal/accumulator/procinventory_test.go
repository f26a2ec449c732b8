package accumulator

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/auoms-collector/internal/event"
)

// writeProcFixture builds a minimal /proc/<pid> tree with just the files
// readProcessInfo consults.
func writeProcFixture(t *testing.T, root string, pid, ppid int32, comm string) {
	t.Helper()
	dir := filepath.Join(root, strconv.FormatInt(int64(pid), 10))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	stat := strconv.FormatInt(int64(pid), 10) + " (" + comm + ") S " + strconv.FormatInt(int64(ppid), 10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte("Uid:\t0\t0\t0\t0\nGid:\t0\t0\t0\t0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(comm+"\x00--flag\x00"), 0o644))
}

func newTestScanner(t *testing.T, accum *Accumulator, filter *ProcessFilter, minEventPeriod time.Duration) (*ProcessInventoryScanner, string) {
	t.Helper()
	root := t.TempDir()
	s := NewProcessInventoryScanner(accum, filter, time.Hour, minEventPeriod, nil)
	s.SetProcRoot(root)
	return s, root
}

func TestScanOnceObservesAndEmitsOnFirstScan(t *testing.T) {
	a, alloc := newTestAccumulator(t)
	filter := NewProcessFilter()
	a.SetFilter(filter)

	s, root := newTestScanner(t, a, filter, 0)
	writeProcFixture(t, root, 100, 1, "sshd")
	writeProcFixture(t, root, 101, 100, "bash")

	require.NoError(t, s.scanOnce())

	require.Equal(t, uint8(1), filter.Hint(100))
	require.Equal(t, uint8(1), filter.Hint(101))
	require.Equal(t, uint8(0), filter.Hint(999))
	require.Len(t, alloc.committed, 2)

	v := event.Open(alloc.committed[0])
	rec := v.Record(0)
	require.Equal(t, "AUOMS_PROCESS_INVENTORY", rec.Name())
}

func TestScanOnceSkipsEmitWhenWithinMinEventPeriod(t *testing.T) {
	a, alloc := newTestAccumulator(t)
	filter := NewProcessFilter()
	a.SetFilter(filter)

	s, root := newTestScanner(t, a, filter, time.Hour)
	s.lastEventAt = time.Now()
	writeProcFixture(t, root, 200, 1, "cron")

	require.NoError(t, s.scanOnce())
	require.Empty(t, alloc.committed, "emit suppressed until minEventPeriod elapses")
}

// TestConcurrentFeedAndScanDoNotCorruptBuilder drives Accumulator.Feed and
// the scanner's emitInventoryRecord from separate goroutines simultaneously,
// the same way cmd/auoms-collector's pump and process-inventory scanner
// goroutines do. It exercises Accumulator.lockBuilder's serialization of the
// two callers; every committed buffer must still parse as a well-formed
// event no matter how the two goroutines interleave.
func TestConcurrentFeedAndScanDoNotCorruptBuilder(t *testing.T) {
	a, alloc := newTestAccumulator(t)
	filter := NewProcessFilter()
	a.SetFilter(filter)

	s, root := newTestScanner(t, a, filter, 0)
	writeProcFixture(t, root, 300, 1, "worker")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = a.Feed(`type=USER_LOGIN msg=audit(5.0:9): pid=100 uid=0 res=success`)
			_ = a.Feed(`type=EOE msg=audit(5.0:9):`)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.lastEventAt = time.Time{}
			_ = s.scanOnce()
		}
	}()
	wg.Wait()

	require.NotEmpty(t, alloc.committed)
	for _, buf := range alloc.committed {
		v := event.Open(buf)
		require.GreaterOrEqual(t, v.NumRecords(), uint16(1))
	}
}
