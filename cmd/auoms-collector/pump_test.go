package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/auoms-collector/internal/accumulator"
	"github.com/behrlich/auoms-collector/internal/event"
	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/spscqueue"
)

type memAllocator struct {
	committed [][]byte
}

func (m *memAllocator) Allocate(size int) ([]byte, error) { return make([]byte, size), nil }
func (m *memAllocator) Commit(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.committed = append(m.committed, cp)
	return nil
}
func (m *memAllocator) Rollback(buf []byte) error { return nil }

func putLine(t *testing.T, q *spscqueue.Queue, line string) {
	t.Helper()
	payload := append([]byte{0, 0}, []byte(line)...)
	buf, _, err := q.Allocate(len(payload))
	require.NoError(t, err)
	copy(buf, payload)
	q.Commit(len(payload))
}

func TestRunPumpFeedsLinesUntilQueueCloses(t *testing.T) {
	q := spscqueue.New(4096, 2)
	alloc := &memAllocator{}
	b := event.NewBuilder(alloc, nil)
	accum := accumulator.New(b, nil, nil)

	putLine(t, q, `type=USER_LOGIN msg=audit(5.0:9): pid=100 uid=0 res=success`)
	putLine(t, q, `type=EOE msg=audit(5.0:9):`)
	q.Close()

	done := make(chan struct{})
	go func() {
		runPump(q, accum, logging.Default())
		close(done)
	}()
	<-done

	require.Len(t, alloc.committed, 1)
	v := event.Open(alloc.committed[0])
	require.Equal(t, "USER_LOGIN", v.Record(0).Name())
}

func TestRunPumpReturnsOnImmediateClose(t *testing.T) {
	q := spscqueue.New(4096, 2)
	alloc := &memAllocator{}
	b := event.NewBuilder(alloc, nil)
	accum := accumulator.New(b, nil, nil)
	q.Close()

	done := make(chan struct{})
	go func() {
		runPump(q, accum, logging.Default())
		close(done)
	}()
	<-done
	require.Empty(t, alloc.committed)
}
