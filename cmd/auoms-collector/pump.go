package main

import (
	"errors"

	"github.com/behrlich/auoms-collector/internal/accumulator"
	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/pipeline"
	"github.com/behrlich/auoms-collector/internal/pqueue"
	"github.com/behrlich/auoms-collector/internal/spscqueue"
)

// runPump drains queue, the collector's SPSC hand-off, feeding each record
// line to accum until the queue closes. It is the sole caller of Feed;
// accum also serializes this against the process inventory scanner's own
// goroutine internally (see Accumulator.lockBuilder).
func runPump(queue *spscqueue.Queue, accum *accumulator.Accumulator, log *logging.Logger) {
	for {
		buf, err := queue.Get()
		if err != nil {
			if errors.Is(err, spscqueue.ErrClosed) {
				return
			}
			log.Errorf("spsc queue get: %v", err)
			return
		}

		// buf[0:2] is the u16 netlink message type tag collector.ingest
		// prepends; the accumulator only needs the audit line text.
		line := string(buf[2:])
		queue.Release()

		if err := accum.Feed(line); err != nil {
			if errors.Is(err, pqueue.ErrClosed) || pipeline.IsKind(err, pipeline.KindQueueClosed) {
				return
			}
			log.Warnf("accumulator feed: %v", err)
		}
	}
}
