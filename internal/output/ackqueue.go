package output

import (
	"context"
	"sync"

	"github.com/behrlich/auoms-collector/internal/pqueue"
)

// ackEntry is one in-flight write awaiting acknowledgement.
type ackEntry struct {
	id       EventID
	priority uint32
	sequence uint64
}

// AckQueue is a bounded FIFO of in-flight event ids (SPEC_FULL.md §4.6):
// Push blocks while full so the output loop applies natural backpressure to
// the priority-queue cursor, and Ack drains every entry at or before an
// acknowledged id, committing each one's cursor position.
//
// notifyMu/notify is a dedicated condition variable separate from mu, the
// same split pqueue.PriorityQueue uses between its structural mutex and its
// notifyMu: the waiting goroutine below locks notifyMu itself before
// calling Wait, so the caller of Push never needs to hold the cond's lock.
type AckQueue struct {
	mu     sync.Mutex
	items  []ackEntry
	cap    int
	closed bool

	notifyMu sync.Mutex
	notify   *sync.Cond
}

// NewAckQueue returns a queue holding up to capacity in-flight ids.
func NewAckQueue(capacity int) *AckQueue {
	if capacity <= 0 {
		capacity = 100
	}
	q := &AckQueue{cap: capacity}
	q.notify = sync.NewCond(&q.notifyMu)
	return q
}

// Push enqueues one in-flight id, blocking while the queue is full. It
// returns ctx.Err() if ctx is cancelled, or pqueue.ErrClosed if Close is called,
// before room is available.
func (q *AckQueue) Push(ctx context.Context, id EventID, priority uint32, sequence uint64) error {
	q.mu.Lock()
	for len(q.items) >= q.cap && !q.closed && ctx.Err() == nil {
		q.mu.Unlock()

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
			q.notify.Broadcast()
			<-done
		}

		q.mu.Lock()
	}
	defer q.mu.Unlock()

	if q.closed {
		return pqueue.ErrClosed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	q.items = append(q.items, ackEntry{id: id, priority: priority, sequence: sequence})
	return nil
}

// Ack pops every entry with id <= acked (acks are cumulative, per §6) and
// commits queue's cursor to each popped entry's priority/sequence.
func (q *AckQueue) Ack(acked EventID, queue *pqueue.PriorityQueue, c *pqueue.Cursor) {
	q.mu.Lock()
	i := 0
	for i < len(q.items) && q.items[i].id.Compare(acked) <= 0 {
		i++
	}
	popped := q.items[:i]
	q.items = q.items[i:]
	q.mu.Unlock()

	for _, e := range popped {
		queue.CommitCursor(c, e.priority, e.sequence)
	}
	if len(popped) > 0 {
		q.notify.Broadcast()
	}
}

// Len reports the number of in-flight ids.
func (q *AckQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes any blocked Push.
func (q *AckQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify.Broadcast()
}
