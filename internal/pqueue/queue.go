// Package pqueue implements the durable, multi-priority, crash-recoverable
// queue between the accumulator and the outputs (SPEC_FULL.md §4.5). Each
// priority band fills an in-memory bucket until it crosses a size
// threshold, at which point it is sealed, handed to the background saver,
// and a fresh bucket is opened. Consumers read through named, durable
// cursors that track a committed sequence per priority.
package pqueue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/behrlich/auoms-collector/internal/event"
	"github.com/behrlich/auoms-collector/internal/logging"
)

// MaxItemSize mirrors event.MaxItemSize; duplicated here so this package
// does not need the event package just for one constant in hot paths.
const MaxItemSize = 256 * 1024

var (
	ErrClosed    = errors.New("pqueue: closed")
	ErrOversized = errors.New("pqueue: item exceeds MaxItemSize")
)

// Options configures a PriorityQueue. Zero values are replaced with the
// defaults from SPEC_FULL.md §6 by Open.
type Options struct {
	DataDir         string
	NumPriorities   int
	MaxFileDataSize uint32
	MaxUnsavedFiles int
	MaxFsBytes      uint64
	MaxFsPct        int
	MinFsFreePct    int
	SaveDelay       time.Duration
}

func (o *Options) setDefaults() {
	if o.NumPriorities == 0 {
		o.NumPriorities = 8
	}
	if o.MaxFileDataSize == 0 {
		o.MaxFileDataSize = 1 << 20
	}
	if o.MaxUnsavedFiles == 0 {
		o.MaxUnsavedFiles = 128
	}
	if o.MaxFsBytes == 0 {
		o.MaxFsBytes = 1 << 30
	}
	if o.MaxFsPct == 0 {
		o.MaxFsPct = 10
	}
	if o.MinFsFreePct == 0 {
		o.MinFsFreePct = 5
	}
	if o.SaveDelay == 0 {
		o.SaveDelay = 250 * time.Millisecond
	}
}

type unsavedEntry struct {
	file     *queueFile
	sealedAt time.Time
}

// band holds the sealed-and-unsaved state for one priority level.
type band struct {
	mu       sync.Mutex
	priority uint32
	current  *bucket
	files    []*queueFile // all sealed buckets, ascending by last_seq, saved or not
	unsaved  []*unsavedEntry
}

// PriorityQueue is the durable multi-band queue described in
// SPEC_FULL.md §4.5.
type PriorityQueue struct {
	opt     Options
	log     *logging.Logger

	seqMu   sync.Mutex
	nextSeq uint64

	bands []*band

	cursorMu sync.Mutex
	cursors  map[string]*Cursor

	closedMu sync.Mutex
	closed   bool

	notifyMu sync.Mutex
	notify   *sync.Cond

	counterMu       sync.Mutex
	bytesDropped    uint64
	bytesSaved      uint64
	cannotSaveBytes uint64
	lastDropWarn    time.Time
	lastQuotaWarn   time.Time

	saverWake chan struct{}
	saverStop chan struct{}
	saverDone chan struct{}
}

// Open creates or recovers a queue rooted at opt.DataDir.
func Open(opt Options, log *logging.Logger) (*PriorityQueue, error) {
	opt.setDefaults()
	q := &PriorityQueue{
		opt:       opt,
		log:       log,
		cursors:   make(map[string]*Cursor),
		saverWake: make(chan struct{}, 1),
		saverStop: make(chan struct{}),
		saverDone: make(chan struct{}),
	}
	q.notify = sync.NewCond(&q.notifyMu)
	q.bands = make([]*band, opt.NumPriorities)
	for i := range q.bands {
		q.bands[i] = &band{priority: uint32(i), current: newBucket(uint32(i))}
	}

	dataRoot := filepath.Join(opt.DataDir, "data")
	var maxSeq uint64
	for p := 0; p < opt.NumPriorities; p++ {
		dir := filepath.Join(dataRoot, strconv.Itoa(p))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var seqs []uint64
		seen := make(map[uint64]string)
		for _, e := range entries {
			seq, err := strconv.ParseUint(e.Name(), 10, 64)
			if err != nil {
				continue
			}
			seen[seq] = filepath.Join(dir, e.Name())
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		b := q.bands[p]
		for _, seq := range seqs {
			qf, err := openQueueFile(seen[seq])
			if err != nil {
				if log != nil {
					log.Warnf("pqueue: skipping corrupt queue file %s: %v", seen[seq], err)
				}
				continue
			}
			b.files = append(b.files, qf)
			if qf.lastSeq > maxSeq {
				maxSeq = qf.lastSeq
			}
		}
	}
	q.nextSeq = maxSeq + 1

	cursorDir := filepath.Join(opt.DataDir, "cursors")
	if entries, err := os.ReadDir(cursorDir); err == nil {
		for _, e := range entries {
			c, err := openCursor(opt.DataDir, e.Name(), opt.NumPriorities)
			if err != nil {
				continue
			}
			for p := 0; p < opt.NumPriorities; p++ {
				maxForP := uint64(0)
				if len(q.bands[p].files) > 0 {
					maxForP = q.bands[p].files[len(q.bands[p].files)-1].lastSeq
				}
				if c.Get(uint32(p)) > maxForP {
					c.committed[p] = maxForP
				}
			}
			q.cursors[e.Name()] = c
		}
	}

	go q.saverLoop()
	return q, nil
}

func (q *PriorityQueue) isClosed() bool {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()
	return q.closed
}

// Close drains every in-memory bucket with data to disk, performs a final
// save, and stops the saver goroutine.
func (q *PriorityQueue) Close() error {
	q.closedMu.Lock()
	if q.closed {
		q.closedMu.Unlock()
		return nil
	}
	q.closed = true
	q.closedMu.Unlock()

	close(q.saverStop)
	<-q.saverDone

	for _, b := range q.bands {
		b.mu.Lock()
		if !b.current.empty() {
			q.sealLocked(b)
		}
		b.mu.Unlock()
	}

	q.cursorMu.Lock()
	cursors := make([]*Cursor, 0, len(q.cursors))
	for _, c := range q.cursors {
		cursors = append(cursors, c)
	}
	q.cursorMu.Unlock()
	for _, c := range cursors {
		c.save()
	}

	q.notify.Broadcast()
	return q.save(true)
}

// nextSequence assigns the next globally monotonic sequence number.
func (q *PriorityQueue) nextSequence() uint64 {
	q.seqMu.Lock()
	defer q.seqMu.Unlock()
	seq := q.nextSeq
	q.nextSeq++
	return seq
}

// Put enqueues data at priority, assigning it the next global sequence.
func (q *PriorityQueue) Put(priority uint32, data []byte) (uint64, error) {
	if q.isClosed() {
		return 0, ErrClosed
	}
	if len(data) > MaxItemSize {
		return 0, ErrOversized
	}
	if int(priority) >= len(q.bands) {
		priority = uint32(len(q.bands) - 1)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	seq := q.nextSequence()
	item := &Item{Priority: priority, Sequence: seq, Data: cp}

	b := q.bands[priority]
	b.mu.Lock()
	if b.current.Size()+uint32(len(cp)) > q.opt.MaxFileDataSize && !b.current.empty() {
		q.sealLocked(b)
	}
	b.current.put(item)
	b.mu.Unlock()

	q.notify.Broadcast()
	select {
	case q.saverWake <- struct{}{}:
	default:
	}
	return seq, nil
}

// sealLocked must be called with b.mu held. It wraps the current bucket in
// a queueFile, registers it as unsaved, and opens a fresh current bucket.
func (q *PriorityQueue) sealLocked(b *band) {
	qf := newQueueFile(q.opt.DataDir, b.current)
	b.files = append(b.files, qf)
	b.unsaved = append(b.unsaved, &unsavedEntry{file: qf, sealedAt: time.Now()})
	b.current = newBucket(b.priority)
	q.evictIfOverUnsavedCap()
}

// evictIfOverUnsavedCap enforces max_unsaved_files by dropping the oldest
// lowest-priority unsaved bucket. Caller must NOT hold any band mutex other
// than the one it just used for sealing, since this may lock other bands.
func (q *PriorityQueue) evictIfOverUnsavedCap() {
	total := 0
	for _, b := range q.bands {
		total += len(b.unsaved)
	}
	for total > q.opt.MaxUnsavedFiles {
		victimBand := -1
		for i := len(q.bands) - 1; i >= 0; i-- {
			if len(q.bands[i].unsaved) > 0 {
				victimBand = i
				break
			}
		}
		if victimBand < 0 {
			return
		}
		b := q.bands[victimBand]
		ent := b.unsaved[0]
		b.unsaved = b.unsaved[1:]
		for i, f := range b.files {
			if f == ent.file {
				b.files = append(b.files[:i], b.files[i+1:]...)
				break
			}
		}
		q.counterMu.Lock()
		q.bytesDropped += ent.file.fileSize
		now := time.Now()
		warn := now.Sub(q.lastDropWarn) >= time.Minute
		if warn {
			q.lastDropWarn = now
		}
		q.counterMu.Unlock()
		if warn && q.log != nil {
			q.log.Warnf("pqueue: evicted unsaved bucket priority=%d seq=%d, bytes_dropped total=%d", b.priority, ent.file.lastSeq, q.bytesDropped)
		}
		total--
	}
}

// --- event.Allocator implementation, so the Builder can commit events
// directly into the queue without the caller knowing the destination
// priority in advance (it is only known once the prioritizer stamps the
// event during EndEvent). ---

func (q *PriorityQueue) Allocate(size int) ([]byte, error) {
	if size > MaxItemSize {
		return nil, ErrOversized
	}
	return make([]byte, size), nil
}

func (q *PriorityQueue) Commit(buf []byte) error {
	v := event.Open(buf)
	_, err := q.Put(uint32(v.Priority()), buf)
	return err
}

func (q *PriorityQueue) Rollback(buf []byte) error {
	return nil
}

// OpenCursor returns the named cursor, creating it (at sequence zero for
// every priority) if it does not already exist.
func (q *PriorityQueue) OpenCursor(name string) (*Cursor, error) {
	q.cursorMu.Lock()
	defer q.cursorMu.Unlock()
	if c, ok := q.cursors[name]; ok {
		return c, nil
	}
	c := newCursor(q.opt.DataDir, name, q.opt.NumPriorities)
	q.cursors[name] = c
	return c, nil
}

// RemoveCursor deletes a cursor and its on-disk file.
func (q *PriorityQueue) RemoveCursor(name string) error {
	q.cursorMu.Lock()
	delete(q.cursors, name)
	q.cursorMu.Unlock()
	return removeCursorFile(q.opt.DataDir, name)
}

// Get returns the next item available to cursor c, scanning priorities
// from 0 upward and picking the item immediately following the cursor's
// committed position for the first priority that has one ready. It blocks
// until an item is available, ctx is cancelled, or the queue is closed.
func (q *PriorityQueue) Get(ctx context.Context, c *Cursor) (*Item, error) {
	for {
		for p, b := range q.bands {
			// Sequences are assigned starting at 1 (nextSeq = maxSeq+1 with
			// maxSeq's zero value meaning "no files yet"), so an
			// uncommitted cursor's Get()+1 correctly wants sequence 1.
			want := c.Get(uint32(p)) + 1
			item, ok := q.getNextBucket(b, want)
			if ok {
				return item, nil
			}
		}

		if q.isClosed() {
			return nil, ErrClosed
		}

		done := make(chan struct{})
		go func() {
			q.notifyMu.Lock()
			q.notify.Wait()
			q.notifyMu.Unlock()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			q.notify.Broadcast() // unstick the helper goroutine
			<-done
			return nil, ctx.Err()
		}

		if q.isClosed() {
			return nil, ErrClosed
		}
	}
}

// getNextBucket finds the bucket (in-memory current, unsaved, or on-disk)
// holding the first item with sequence >= want for band b.
func (q *PriorityQueue) getNextBucket(b *band, want uint64) (*Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.files {
		if f.lastSeq < want {
			continue
		}
		bucket, err := f.OpenBucket()
		if err != nil {
			if q.log != nil {
				q.log.Errorf("pqueue: failed to load bucket %s: %v", f.path, err)
			}
			continue
		}
		if item, ok := bucket.firstGreaterOrEqual(want); ok {
			return item, true
		}
	}
	return b.current.firstGreaterOrEqual(want)
}

// CommitCursor advances c's committed position for priority to seq and
// wakes anything waiting on the queue, since advancing the slowest cursor
// may let the saver trim files it was holding onto.
func (q *PriorityQueue) CommitCursor(c *Cursor, priority uint32, seq uint64) {
	c.Commit(priority, seq)
	q.notify.Broadcast()
}

// Stats returns a snapshot of the queue's counters, useful for metrics
// export.
type Stats struct {
	BytesDropped    uint64
	BytesSaved      uint64
	CannotSaveBytes uint64
}

func (q *PriorityQueue) Stats() Stats {
	q.counterMu.Lock()
	defer q.counterMu.Unlock()
	return Stats{BytesDropped: q.bytesDropped, BytesSaved: q.bytesSaved, CannotSaveBytes: q.cannotSaveBytes}
}

// saverLoop runs on its own goroutine for the queue's lifetime, saving
// sealed buckets to disk and trimming fully-consumed files.
func (q *PriorityQueue) saverLoop() {
	defer close(q.saverDone)
	ticker := time.NewTicker(q.opt.SaveDelay)
	defer ticker.Stop()
	for {
		select {
		case <-q.saverStop:
			return
		case <-q.saverWake:
		case <-ticker.C:
		}
		if err := q.save(false); err != nil && q.log != nil {
			q.log.Errorf("pqueue: save: %v", err)
		}
	}
}

// save implements the saver algorithm from SPEC_FULL.md §4.5. When force is
// true (final save on Close), the youngest unsaved bucket per band is
// flushed regardless of its age instead of being deferred for save_delay.
func (q *PriorityQueue) save(force bool) error {
	minSeq := q.minCommittedPerPriority()

	quota, err := sampleFsQuota(q.opt.DataDir)
	var allowed uint64 = ^uint64(0)
	if err == nil {
		allowed = quota.allowedBytes(q.opt.MaxFsBytes, q.opt.MaxFsPct, q.opt.MinFsFreePct)
	}

	now := time.Now()
	var consumed uint64
	for _, b := range q.bands {
		b.mu.Lock()
		consumed += q.onDiskBytesLocked(b)
		b.mu.Unlock()
	}

	for pi, b := range q.bands {
		b.mu.Lock()
		var toRemove []*queueFile
		remaining := b.files[:0:0]
		for _, f := range b.files {
			if f.saved && f.lastSeq <= minSeq[pi] {
				toRemove = append(toRemove, f)
			} else {
				remaining = append(remaining, f)
			}
		}
		b.files = remaining
		for _, f := range toRemove {
			if err := f.Remove(); err != nil && q.log != nil {
				q.log.Warnf("pqueue: removing %s: %v", f.path, err)
				continue
			}
			q.counterMu.Lock()
			q.bytesSaved -= min64(q.bytesSaved, f.fileSize)
			q.counterMu.Unlock()
		}

		var toSave []*unsavedEntry
		if n := len(b.unsaved); n > 0 {
			last := b.unsaved[n-1]
			if force || now.Sub(last.sealedAt) >= q.opt.SaveDelay {
				toSave = b.unsaved
			} else {
				toSave = b.unsaved[:n-1]
			}
		}
		b.mu.Unlock()

		for _, ent := range toSave {
			if consumed+ent.file.fileSize > allowed {
				var need uint64
				if consumed+ent.file.fileSize > allowed {
					need = consumed + ent.file.fileSize - allowed
				}
				freed := q.evictForQuota(uint32(pi), need)
				consumed -= min64(consumed, freed)
				if consumed+ent.file.fileSize > allowed {
					q.counterMu.Lock()
					q.cannotSaveBytes += ent.file.fileSize
					now2 := time.Now()
					warn := now2.Sub(q.lastQuotaWarn) >= time.Minute
					if warn {
						q.lastQuotaWarn = now2
					}
					q.counterMu.Unlock()
					if warn && q.log != nil {
						q.log.Warnf("pqueue: disk quota exceeded, deferring save of priority=%d seq=%d", pi, ent.file.lastSeq)
					}
					continue
				}
			}
			if err := ent.file.Save(); err != nil {
				if q.log != nil {
					q.log.Warnf("pqueue: saving %s: %v", ent.file.path, err)
				}
				continue
			}
			consumed += ent.file.fileSize
			q.counterMu.Lock()
			q.bytesSaved += ent.file.fileSize
			q.counterMu.Unlock()

			b.mu.Lock()
			for i, e := range b.unsaved {
				if e == ent {
					b.unsaved = append(b.unsaved[:i], b.unsaved[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		}
	}

	q.cursorMu.Lock()
	cursors := make([]*Cursor, 0, len(q.cursors))
	for _, c := range q.cursors {
		cursors = append(cursors, c)
	}
	q.cursorMu.Unlock()
	now3 := time.Now()
	for _, c := range cursors {
		if c.needsSave(now3) {
			if err := c.save(); err != nil && q.log != nil && c.shouldWarn(now3) {
				q.log.Warnf("pqueue: saving cursor %s: %v", c.name, err)
			}
		}
	}
	return nil
}

func (q *PriorityQueue) onDiskBytesLocked(b *band) uint64 {
	var total uint64
	for _, f := range b.files {
		if f.saved {
			total += f.fileSize
		}
	}
	return total
}

// evictForQuota removes already-saved files of priority >= pi, oldest
// first, to make room for a bucket being saved at priority pi. It returns
// the number of bytes freed.
func (q *PriorityQueue) evictForQuota(pi uint32, need uint64) uint64 {
	var freed uint64
	for p := len(q.bands) - 1; p >= int(pi) && freed < need; p-- {
		b := q.bands[p]
		b.mu.Lock()
		var kept []*queueFile
		for _, f := range b.files {
			if freed < need && f.saved {
				if err := f.Remove(); err == nil {
					freed += f.fileSize
					q.counterMu.Lock()
					q.bytesSaved -= min64(q.bytesSaved, f.fileSize)
					q.counterMu.Unlock()
					continue
				}
			}
			kept = append(kept, f)
		}
		b.files = kept
		b.mu.Unlock()
	}
	return freed
}

func (q *PriorityQueue) minCommittedPerPriority() []uint64 {
	min := make([]uint64, len(q.bands))
	for i := range min {
		min[i] = ^uint64(0)
	}
	q.cursorMu.Lock()
	defer q.cursorMu.Unlock()
	if len(q.cursors) == 0 {
		for i := range min {
			min[i] = 0
		}
		return min
	}
	for _, c := range q.cursors {
		for p := 0; p < len(min); p++ {
			if v := c.Get(uint32(p)); v < min[p] {
				min[p] = v
			}
		}
	}
	return min
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
