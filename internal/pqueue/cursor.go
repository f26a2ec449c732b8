package pqueue

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cursorMagic is ASCII "ELIFSRUC" read little-endian, matching the source's
// QueueCursor::MAGIC constant structure.
const cursorMagic uint64 = 0x4355525346494C45

const cursorVersion uint32 = 1

// saveDelay is how long a cursor must sit dirty before it is written, so a
// burst of Commit calls coalesces into one disk write.
const saveDelay = 100 * time.Millisecond

// saveRetryWait is how long to back off after a failed cursor save before
// trying again.
const saveRetryWait = 60 * time.Second

// minSaveWarningGap throttles repeated "cursor save failing" log lines.
const minSaveWarningGap = 60 * time.Second

// Cursor is a named, durable read position into a PriorityQueue: one
// committed sequence number per priority. Consumers call PriorityQueue.Get
// to retrieve the next item after their committed position, and Commit to
// advance it.
type Cursor struct {
	mu          sync.Mutex
	name        string
	path        string
	committed   []uint64 // one per priority, index == priority
	dirty       bool
	dirtySet    time.Time
	lastAttempt time.Time // last save attempt, success or failure
	saveFailed  bool      // true if lastAttempt ended in an error
	lastWarn    time.Time // last time a save failure was logged
}

func cursorPath(dataDir, name string) string {
	return filepath.Join(dataDir, "cursors", name)
}

func newCursor(dataDir, name string, numPriorities int) *Cursor {
	return &Cursor{
		name:      name,
		path:      cursorPath(dataDir, name),
		committed: make([]uint64, numPriorities),
	}
}

// openCursor loads a cursor file from disk, or returns a fresh all-zero
// cursor if none exists yet.
func openCursor(dataDir, name string, numPriorities int) (*Cursor, error) {
	c := newCursor(dataDir, name, numPriorities)
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) < 16 {
		return c, nil
	}
	magic := binary.LittleEndian.Uint64(data[0:8])
	version := binary.LittleEndian.Uint32(data[8:12])
	numEntries := binary.LittleEndian.Uint32(data[12:16])
	if magic != cursorMagic || version != cursorVersion {
		return c, nil
	}
	want := 16 + int(numEntries)*8
	if len(data) < want {
		return c, nil
	}
	for i := uint32(0); i < numEntries && int(i) < len(c.committed); i++ {
		o := 16 + int(i)*8
		c.committed[i] = binary.LittleEndian.Uint64(data[o : o+8])
	}
	return c, nil
}

// Get returns the committed sequence number for priority, i.e. the sequence
// of the last item the consumer committed (0 if none); the next item to
// read is the first one with a greater sequence.
func (c *Cursor) Get(priority uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(priority) >= len(c.committed) {
		return 0
	}
	return c.committed[priority]
}

// Commit advances the cursor for priority to seq and marks it dirty for
// the next periodic save.
func (c *Cursor) Commit(priority uint32, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(priority) >= len(c.committed) {
		return
	}
	if seq <= c.committed[priority] {
		return
	}
	c.committed[priority] = seq
	if !c.dirty {
		c.dirty = true
		c.dirtySet = time.Now()
	}
}

// clampToAvailable bounds a recovered cursor position against the oldest
// sequence still present on disk for a priority, so a cursor that survived
// a crash while its target bucket was evicted doesn't get stuck retrying a
// sequence number that will never reappear.
func (c *Cursor) clampToAvailable(priority uint32, oldestAvailable uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(priority) >= len(c.committed) {
		return
	}
	if c.committed[priority] < oldestAvailable {
		c.committed[priority] = oldestAvailable
		c.dirty = true
		c.dirtySet = time.Now()
	}
}

// needsSave reports whether the cursor is due for a write: dirty for at
// least saveDelay in the normal case, or dirty and saveRetryWait past the
// last attempt if that attempt failed, so a broken disk doesn't get
// hammered with a save call on every saver tick.
func (c *Cursor) needsSave(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return false
	}
	if c.saveFailed {
		return now.Sub(c.lastAttempt) >= saveRetryWait
	}
	return now.Sub(c.dirtySet) >= saveDelay
}

// shouldWarn reports whether a save failure should be logged now, throttled
// to at most once per minSaveWarningGap so a cursor stuck retrying every
// saveRetryWait doesn't spam the log.
func (c *Cursor) shouldWarn(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastWarn) < minSaveWarningGap {
		return false
	}
	c.lastWarn = now
	return true
}

// save writes the cursor file via temp-file-plus-rename, identical in
// spirit to queueFile.Save. Every attempt, success or failure, stamps
// lastAttempt/saveFailed so needsSave can back off after a failure instead
// of retrying on the very next saver tick.
func (c *Cursor) save() error {
	c.mu.Lock()
	committed := append([]uint64(nil), c.committed...)
	c.mu.Unlock()

	err := c.writeFile(committed)

	c.mu.Lock()
	c.lastAttempt = time.Now()
	c.saveFailed = err != nil
	if err == nil {
		c.dirty = false
	}
	c.mu.Unlock()
	return err
}

func (c *Cursor) writeFile(committed []uint64) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	buf := make([]byte, 16+len(committed)*8)
	binary.LittleEndian.PutUint64(buf[0:8], cursorMagic)
	binary.LittleEndian.PutUint32(buf[8:12], cursorVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(committed)))
	for i, v := range committed {
		o := 16 + i*8
		binary.LittleEndian.PutUint64(buf[o:o+8], v)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func removeCursorFile(dataDir, name string) error {
	err := os.Remove(cursorPath(dataDir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
