package collector

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/spscqueue"
)

// dispatcherSeparator is the byte some auditd builds use to append
// interpreted data after the raw record on the same dispatcher line; only
// the text before it is a record we understand.
const dispatcherSeparator = '\x1d'

// StdinReader implements the "audit dispatcher mode" alternative intake:
// newline-delimited records read from file descriptor 0, stripped of any
// auditd-appended interpreted suffix, and handed to the SPSC queue tagged
// as an unclassified record (SPEC_FULL.md §4.4).
type StdinReader struct {
	queue   *spscqueue.Queue
	metrics Metrics
	log     *logging.Logger
}

// NewStdinReader returns a reader that writes into queue.
func NewStdinReader(queue *spscqueue.Queue, metrics Metrics, log *logging.Logger) *StdinReader {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &StdinReader{queue: queue, metrics: metrics, log: log}
}

// recordTypeUnknown tags every stdin-sourced record, since dispatcher mode
// carries no netlink message type.
const recordTypeUnknown uint16 = 0

// Run reads r line by line until ctx is cancelled, r is closed, or the
// queue is closed.
func (s *StdinReader) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := stripDispatcherSuffix(scanner.Text())
		if err := s.ingest(line); err != nil {
			return nil // queue closed
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Errorf("stdin read failed: %v", err)
		return err
	}
	s.log.Infof("stdin closed, exiting input loop")
	return nil
}

func stripDispatcherSuffix(line string) string {
	if idx := strings.IndexByte(line, dispatcherSeparator); idx >= 0 {
		return line[:idx]
	}
	return line
}

func (s *StdinReader) ingest(line string) error {
	size := 2 + len(line)
	buf, lossBytes, err := s.queue.Allocate(size)
	if err != nil {
		return err
	}
	if lossBytes > 0 {
		s.metrics.AddBytesLost(lossBytes)
		s.metrics.IncSegmentsLost()
	}
	buf[0] = byte(recordTypeUnknown)
	buf[1] = byte(recordTypeUnknown >> 8)
	copy(buf[2:], line)
	s.queue.Commit(size)
	s.metrics.AddBytesIn(len(line))
	s.metrics.IncRecordsIn()
	return nil
}
