// Package spscqueue implements the bounded single-producer/single-consumer
// hand-off queue between the netlink/stdin collector and the accumulator
// (SPEC_FULL.md §4.2). It is a ring of fixed-size segments, each acting as a
// growable linear allocator; when every segment is full the oldest
// already-drained-or-not segment is reclaimed and its bytes are reported as
// loss, which only happens under sustained overload.
package spscqueue

import (
	"fmt"
	"sync"
)

// MinItemSize is the smallest slot an allocation consumes, matching the
// source's index granularity; small writes do not pack tighter than this.
const MinItemSize = 256

var ErrClosed = fmt.Errorf("spscqueue: closed")

type segState int

const (
	segOpen segState = iota
	segFull
	segSealed
)

type indexEntry struct {
	offset uint32
	size   uint32
}

// segment is a single growable linear allocator; producer and consumer only
// ever touch different segments once a transition has happened, so the
// per-segment mutex only serializes the rare case where Allocate/Commit race
// a concurrent Get/Release on the same segment during a handoff.
type segment struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	index  []indexEntry
	head   uint32
	pidx   uint32
	cidx   uint32
	sealed bool
}

func newSegment(size int) *segment {
	s := &segment{
		data:  make([]byte, size),
		index: make([]indexEntry, size/MinItemSize+10),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *segment) Allocate(size int) ([]byte, segState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil, segSealed
	}
	need := size
	if need < MinItemSize {
		need = MinItemSize
	}
	if int(s.head)+need > len(s.data) {
		return nil, segFull
	}
	s.index[s.pidx] = indexEntry{offset: s.head, size: uint32(size)}
	return s.data[s.head : s.head+uint32(size) : s.head+uint32(size)], segOpen
}

func (s *segment) Commit(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	need := size
	if need < MinItemSize {
		need = MinItemSize
	}
	s.index[s.pidx].size = uint32(size)
	s.head += uint32(need)
	s.pidx++
	s.cond.Broadcast()
}

func (s *segment) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	s.cond.Broadcast()
}

func (s *segment) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head, s.pidx, s.cidx = 0, 0, 0
	s.sealed = false
}

// Get blocks until an item is ready, the segment is sealed with nothing
// left to drain (ok=false), or data is available (ok=true).
func (s *segment) Get() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !(s.pidx > s.cidx) && !s.sealed {
		s.cond.Wait()
	}
	if s.pidx > s.cidx {
		e := s.index[s.cidx]
		return s.data[e.offset : e.offset+e.size], true
	}
	return nil, false
}

func (s *segment) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cidx++
}

func (s *segment) Size() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Queue is the outer SPSC ring. One goroutine calls Allocate/Commit
// (producer), another calls Get/Release (consumer).
type Queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	free       []*segment
	ready      []*segment
	currentIn  *segment
	currentOut *segment
	closed     bool
}

// New creates a ring of numSegments segments of segSize bytes each.
func New(segSize, numSegments int) *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	segs := make([]*segment, numSegments)
	for i := range segs {
		segs[i] = newSegment(segSize)
	}
	q.currentIn = segs[0]
	q.currentOut = segs[0]
	q.free = segs[1:]
	return q
}

// Allocate reserves size bytes for the producer. lossBytes is nonzero only
// when reclaiming the oldest ready segment was necessary to make room,
// meaning that segment's unconsumed items were dropped.
func (q *Queue) Allocate(size int) (buf []byte, lossBytes uint32, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, 0, ErrClosed
	}
	cur := q.currentIn
	q.mu.Unlock()

	for {
		ptr, state := cur.Allocate(size)
		if state == segOpen {
			return ptr, lossBytes, nil
		}

		q.mu.Lock()
		if len(q.free) == 0 && len(q.ready) == 0 && !q.closed {
			// cur is the ring's only segment: drop its items in place.
			lossBytes = cur.Size()
			cur.Reset()
			q.mu.Unlock()
			continue
		}
		if state != segSealed {
			cur.Seal()
		}
		if q.closed {
			q.mu.Unlock()
			return nil, 0, ErrClosed
		}
		if n := len(q.free); n > 0 {
			cur = q.free[n-1]
			q.free = q.free[:n-1]
		} else {
			cur = q.ready[0]
			q.ready = q.ready[1:]
			lossBytes = cur.Size()
		}
		cur.Reset()
		q.ready = append(q.ready, cur)
		q.currentIn = cur
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// Commit advances the producer index after size bytes were written into the
// buffer returned by Allocate. Must be called by the same goroutine that
// called Allocate, with no intervening Allocate call.
func (q *Queue) Commit(size int) {
	q.currentIn.Commit(size)
}

// Close seals the queue; any blocked Get returns ErrClosed once every ready
// segment has been drained, and any blocked Allocate returns ErrClosed
// immediately.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	in, out := q.currentIn, q.currentOut
	q.mu.Unlock()

	in.Seal()
	out.Seal()
	q.cond.Broadcast()
}

// Get blocks for the next item. It returns ErrClosed once the queue has been
// closed and every segment has been fully drained.
func (q *Queue) Get() ([]byte, error) {
	q.mu.Lock()
	out := q.currentOut
	q.mu.Unlock()

	buf, ok := out.Get()
	for !ok {
		q.mu.Lock()
		for len(q.ready) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.ready) == 0 {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.free = append(q.free, out)
		out = q.ready[0]
		q.ready = q.ready[1:]
		q.currentOut = out
		q.mu.Unlock()

		buf, ok = out.Get()
	}
	return buf, nil
}

// Release frees the item most recently returned by Get.
func (q *Queue) Release() {
	q.mu.Lock()
	out := q.currentOut
	q.mu.Unlock()
	out.Release()
}
