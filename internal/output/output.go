package output

import (
	"context"
	"errors"
	"time"

	"github.com/rs/xid"

	"github.com/behrlich/auoms-collector/internal/event"
	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/pipeline"
	"github.com/behrlich/auoms-collector/internal/pqueue"
)

// startSleepPeriod and maxSleepPeriod bound the reconnect backoff
// (SPEC_FULL.md §4.6).
const (
	startSleepPeriod = 1 * time.Second
	maxSleepPeriod   = 60 * time.Second
)

// getTimeout is how long one Get() call waits for the next queued item
// before looping back to check for shutdown.
const getTimeout = 100 * time.Millisecond

// Filter decides whether an event buffer should be delivered to this
// output; returning false drops the event without consuming an ack slot.
type Filter func(data []byte) bool

// Metrics is the subset of instrumentation the output loop reports through.
type Metrics interface {
	IncEventsSent()
	IncEventsFiltered()
	IncWriteFailures()
}

type noopMetrics struct{}

func (noopMetrics) IncEventsSent()     {}
func (noopMetrics) IncEventsFiltered() {}
func (noopMetrics) IncWriteFailures()  {}

// Options configures one Output.
type Options struct {
	Name         string
	Writer       EventWriter
	Transport    *UnixDomainWriter
	Filter       Filter
	AckMode      bool
	AckQueueSize int
	Metrics      Metrics
	Log          *logging.Logger
}

func (o *Options) setDefaults() {
	if o.AckQueueSize <= 0 {
		o.AckQueueSize = 100
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Log == nil {
		o.Log = logging.Default()
	}
}

// Output drains one cursor of a priority queue, renders each item through an
// EventWriter, and writes it to a Unix domain socket, reconnecting with
// backoff on failure and optionally tracking acks before advancing its
// cursor (SPEC_FULL.md §4.6).
type Output struct {
	opts  Options
	queue *pqueue.PriorityQueue
	cur   *pqueue.Cursor
	acks  *AckQueue

	connID string
}

// New returns an Output consuming from queue via cursor c.
func New(queue *pqueue.PriorityQueue, c *pqueue.Cursor, opts Options) *Output {
	opts.setDefaults()
	o := &Output{opts: opts, queue: queue, cur: c}
	if opts.AckMode {
		o.acks = NewAckQueue(opts.AckQueueSize)
	}
	return o
}

// Run drives the main loop until ctx is cancelled. It always returns nil;
// cancellation is the only clean exit, matching the source's RunBase
// pattern of "stop means Close plus context cancellation", not an error.
func (o *Output) Run(ctx context.Context) error {
	defer func() {
		if o.acks != nil {
			o.acks.Close()
		}
	}()

	sleep := startSleepPeriod
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !o.opts.Transport.IsOpen() {
			if err := o.opts.Transport.Open(); err != nil {
				o.opts.Log.Warnf("output %s: connect %s failed: %v", o.opts.Name, o.opts.Transport.Path(), err)
				if !sleepOrDone(ctx, sleep) {
					return nil
				}
				sleep = nextSleep(sleep)
				continue
			}
			sleep = startSleepPeriod
			o.connID = xid.New().String()
			o.opts.Log.Infof("output %s: connected (conn=%s)", o.opts.Name, o.connID)

			if o.acks != nil {
				go o.ackReaderLoop(ctx, o.opts.Transport, o.connID)
			}
		}

		if err := o.handleOne(ctx); err != nil {
			if pipeline.QueueClosed(err) || errors.Is(err, pqueue.ErrClosed) {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			// write/transport failure: close and reconnect.
			o.opts.Log.Warnf("output %s: %v, reconnecting", o.opts.Name, err)
			o.opts.Transport.Close()
			o.opts.Metrics.IncWriteFailures()
		}
	}
}

// handleOne drains one item, applies the filter, writes it, and (in ack
// mode) enqueues it for acknowledgement; in auto-commit mode the cursor
// advances immediately since there is no peer ack to wait for.
func (o *Output) handleOne(ctx context.Context) error {
	getCtx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	item, err := o.queue.Get(getCtx, o.cur)
	if err != nil {
		return err
	}

	// A dropped event (our filter or the writer's own NOOP) has no peer to
	// ack it, so the cursor advances past it immediately regardless of ack
	// mode - otherwise Get would keep handing back the same filtered item
	// forever, since the cursor's committed position never moves.
	if o.opts.Filter != nil && !o.opts.Filter(item.Data) {
		o.opts.Metrics.IncEventsFiltered()
		o.queue.CommitCursor(o.cur, item.Priority, item.Sequence)
		return nil
	}

	n, err := o.opts.Writer.WriteEvent(item.Data, o.opts.Transport)
	if err != nil {
		return err
	}
	if n == NOOP {
		o.opts.Metrics.IncEventsFiltered()
		o.queue.CommitCursor(o.cur, item.Priority, item.Sequence)
		return nil
	}
	o.opts.Metrics.IncEventsSent()

	if o.opts.AckMode {
		sec, msec, serial := idFromData(item.Data)
		if err := o.acks.Push(ctx, EventID{Sec: sec, Msec: msec, Serial: serial}, item.Priority, item.Sequence); err != nil {
			return err
		}
	} else {
		o.queue.CommitCursor(o.cur, item.Priority, item.Sequence)
	}
	return nil
}

// ackReaderLoop reads acks off the transport until it errors or the output
// reconnects (connID changes), calling AckQueue.Ack for each one.
func (o *Output) ackReaderLoop(ctx context.Context, t *UnixDomainWriter, connID string) {
	for {
		if ctx.Err() != nil || o.connID != connID {
			return
		}
		id, err := o.opts.Writer.ReadAck(t)
		if err != nil {
			return
		}
		o.acks.Ack(id, o.queue, o.cur)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextSleep(d time.Duration) time.Duration {
	d *= 2
	if d > maxSleepPeriod {
		return maxSleepPeriod
	}
	return d
}

func idFromData(data []byte) (sec uint64, msec uint32, serial uint64) {
	return event.Open(data).ID()
}
