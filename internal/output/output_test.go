package output

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/auoms-collector/internal/event"
	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/pqueue"
)

type memAllocator struct {
	committed [][]byte
}

func (a *memAllocator) Allocate(size int) ([]byte, error) { return make([]byte, size), nil }
func (a *memAllocator) Commit(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	a.committed = append(a.committed, cp)
	return nil
}
func (a *memAllocator) Rollback([]byte) error { return nil }

func buildTestEvent(t *testing.T, sec uint64, msec uint32, serial uint64) []byte {
	t.Helper()
	a := &memAllocator{}
	b := event.NewBuilder(a, nil)
	require.NoError(t, b.BeginEvent(sec, msec, serial, 1))
	require.NoError(t, b.BeginRecord(event.RecordTypeExecve, "EXECVE", "raw line", 1))
	require.NoError(t, b.AddField("a0", "ls", "ls", event.FieldUnclassified))
	require.NoError(t, b.EndRecord())
	require.NoError(t, b.EndEvent())
	require.Len(t, a.committed, 1)
	return a.committed[0]
}

func TestRawEventWriterRoundTrip(t *testing.T) {
	data := buildTestEvent(t, 1, 2, 3)
	var buf bytes.Buffer
	w := RawEventWriter{}
	n, err := w.WriteEvent(data, &buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	prefix := buf.Bytes()[:4]
	require.EqualValues(t, len(data), leUint32(prefix))
	require.Equal(t, data, buf.Bytes()[4:])
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func TestRawEventWriterReadAck(t *testing.T) {
	w := RawEventWriter{}
	buf := make([]byte, ackWireSize)
	buf[0] = 7 // sec lo byte
	buf[8] = 9 // msec lo byte
	buf[12] = 3 // serial lo byte
	id, err := w.ReadAck(bytes.NewReader(buf))
	require.NoError(t, err)
	require.EqualValues(t, 7, id.Sec)
	require.EqualValues(t, 9, id.Msec)
	require.EqualValues(t, 3, id.Serial)
}

func TestJSONEventWriterRendersFields(t *testing.T) {
	data := buildTestEvent(t, 10, 20, 30)
	var buf bytes.Buffer
	w := JSONEventWriter{}
	n, err := w.WriteEvent(data, &buf)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)
	require.Contains(t, buf.String(), `"name":"EXECVE"`)
	require.Contains(t, buf.String(), `"raw":"ls"`)
	require.False(t, w.SupportsAckMode())
}

func TestEventIDCompare(t *testing.T) {
	a := EventID{Sec: 1, Msec: 0, Serial: 5}
	b := EventID{Sec: 1, Msec: 0, Serial: 7}
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestAckQueuePushBlocksWhenFull(t *testing.T) {
	q := NewAckQueue(1)
	require.NoError(t, q.Push(context.Background(), EventID{Serial: 1}, 0, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Push(ctx, EventID{Serial: 2}, 0, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func newTestQueue(t *testing.T) (*pqueue.PriorityQueue, *pqueue.Cursor) {
	t.Helper()
	dir := t.TempDir()
	q, err := pqueue.Open(pqueue.Options{DataDir: dir, NumPriorities: 1}, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	c, err := q.OpenCursor("test")
	require.NoError(t, err)
	return q, c
}

func TestAckQueueAckCommitsCursor(t *testing.T) {
	q, c := newTestQueue(t)
	seq, err := q.Put(0, []byte("hello"))
	require.NoError(t, err)

	aq := NewAckQueue(10)
	require.NoError(t, aq.Push(context.Background(), EventID{Serial: 1}, 0, seq))
	require.Equal(t, 1, aq.Len())

	aq.Ack(EventID{Serial: 1}, q, c)
	require.Equal(t, 0, aq.Len())
	require.Equal(t, seq, c.Get(0))
}

func TestOutputHandleOneAutoCommit(t *testing.T) {
	q, c := newTestQueue(t)
	data := buildTestEvent(t, 1, 2, 3)
	seq, err := q.Put(0, data)
	require.NoError(t, err)

	sockPath := filepath.Join(t.TempDir(), "out.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	srvDone := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		srvDone <- buf[:n]
	}()

	transport := NewUnixDomainWriter(sockPath)
	require.NoError(t, transport.Open())
	defer transport.Close()

	o := New(q, c, Options{Name: "test", Writer: RawEventWriter{}, Transport: transport})

	err = o.handleOne(context.Background())
	require.NoError(t, err)
	require.Equal(t, seq, c.Get(0))

	select {
	case got := <-srvDone:
		require.True(t, len(got) > 4)
	case <-time.After(time.Second):
		t.Fatal("server did not receive write")
	}
}

func TestOutputHandleOneAckModeDefersCommit(t *testing.T) {
	q, c := newTestQueue(t)
	data := buildTestEvent(t, 1, 2, 3)
	seq, err := q.Put(0, data)
	require.NoError(t, err)

	sockPath := filepath.Join(t.TempDir(), "out.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
	}()

	transport := NewUnixDomainWriter(sockPath)
	require.NoError(t, transport.Open())
	defer transport.Close()

	o := New(q, c, Options{Name: "test", Writer: RawEventWriter{}, Transport: transport, AckMode: true, AckQueueSize: 4})

	err = o.handleOne(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, c.Get(0))
	require.Equal(t, 1, o.acks.Len())

	o.acks.Ack(EventID{Sec: 1, Msec: 2, Serial: 3}, q, c)
	require.Equal(t, seq, c.Get(0))
}

func TestOutputHandleOneFilterDropsWithoutAckSlot(t *testing.T) {
	q, c := newTestQueue(t)
	data := buildTestEvent(t, 1, 2, 3)
	seq, err := q.Put(0, data)
	require.NoError(t, err)

	sockPath := filepath.Join(t.TempDir(), "out.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	transport := NewUnixDomainWriter(sockPath)
	require.NoError(t, transport.Open())
	defer transport.Close()

	o := New(q, c, Options{
		Name:      "test",
		Writer:    RawEventWriter{},
		Transport: transport,
		AckMode:   true,
		Filter:    func([]byte) bool { return false },
	})

	err = o.handleOne(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, o.acks.Len())
	require.Equal(t, seq, c.Get(0))
}

func TestUnixDomainWriterOpenFailsWithoutListener(t *testing.T) {
	w := NewUnixDomainWriter(filepath.Join(t.TempDir(), "missing.sock"))
	require.Error(t, w.Open())
	require.False(t, w.IsOpen())
}

func TestUnixDomainWriterCloseUnblocksRead(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "out.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Hour)
		}
	}()

	w := NewUnixDomainWriter(sockPath)
	require.NoError(t, w.Open())

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := w.Read(buf)
		readErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Close())

	select {
	case err := <-readErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock read")
	}
}

func TestNextSleepCapsAtMax(t *testing.T) {
	d := startSleepPeriod
	for i := 0; i < 10; i++ {
		d = nextSleep(d)
	}
	require.Equal(t, maxSleepPeriod, d)
}
