package collector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/behrlich/auoms-collector/internal/spscqueue"
)

func fsCreateEvent(name string) fsnotify.Event {
	return fsnotify.Event{Name: name, Op: fsnotify.Create}
}

type fakeConn struct {
	status     auditStatus
	setPidErr  error
	setPidSeq  []error
	setPidCall int
	closed     bool
}

func (f *fakeConn) GetStatus() (auditStatus, error) { return f.status, nil }

func (f *fakeConn) SetPid(pid uint32) error {
	if f.setPidCall < len(f.setPidSeq) {
		err := f.setPidSeq[f.setPidCall]
		f.setPidCall++
		if err == nil {
			f.status.Pid = pid
		}
		return err
	}
	f.status.Pid = pid
	return f.setPidErr
}

func (f *fakeConn) SetEnabled(e uint32) error { f.status.Enabled = e; return nil }
func (f *fakeConn) SetBacklog(limit, wait uint32, have bool) error {
	f.status.BacklogLimit = limit
	if have {
		f.status.BacklogWaitTime = wait
	}
	return nil
}
func (f *fakeConn) Recv([]byte) ([]nlmsg, error)       { return nil, unix.EAGAIN }
func (f *fakeConn) SetReadTimeout(time.Duration) error { return nil }
func (f *fakeConn) Close() error                       { f.closed = true; return nil }

func TestClaimAlreadyClaimed(t *testing.T) {
	conn := &fakeConn{status: auditStatus{Pid: 1}}
	c := &Collector{opts: Options{MaxPidRetries: 5}}
	reason, err := c.claim(conn, conn, 999)
	require.Equal(t, ExitAlreadyClaimed, reason)
	require.Error(t, err)
}

func TestClaimSucceedsAndEnables(t *testing.T) {
	conn := &fakeConn{status: auditStatus{Pid: 0, Enabled: 0}}
	c := &Collector{opts: Options{MaxPidRetries: 5, BacklogLimit: 8192}}
	reason, err := c.claim(conn, conn, 100)
	require.NoError(t, err)
	require.Equal(t, ExitStopped, reason)
	require.EqualValues(t, 100, conn.status.Pid)
	require.EqualValues(t, 1, conn.status.Enabled)
	require.True(t, c.revertEnabled)
	require.EqualValues(t, 8192, conn.status.BacklogLimit)
}

func TestClaimRetriesOnTimeout(t *testing.T) {
	conn := &fakeConn{
		status: auditStatus{Pid: 0, Enabled: 1},
		setPidSeq: []error{
			unix.ETIMEDOUT,
			nil,
		},
	}
	c := &Collector{opts: Options{MaxPidRetries: 5}}
	reason, err := c.claim(conn, conn, 42)
	require.NoError(t, err)
	require.Equal(t, ExitStopped, reason)
	require.False(t, c.revertEnabled)
}

func TestReleaseRevertsEnabled(t *testing.T) {
	conn := &fakeConn{status: auditStatus{Enabled: 1}}
	c := &Collector{opts: Options{}, revertEnabled: true}
	c.release(conn)
	require.EqualValues(t, 0, conn.status.Enabled)
}

func TestReleaseNoopWhenNotEnabledByUs(t *testing.T) {
	conn := &fakeConn{status: auditStatus{Enabled: 1}}
	c := &Collector{opts: Options{}}
	c.release(conn)
	require.EqualValues(t, 1, conn.status.Enabled)
}

func TestStripDispatcherSuffix(t *testing.T) {
	line := "type=SYSCALL msg=audit(1.0:1): pid=1\x1dtype=SYSCALL pid=1"
	require.Equal(t, "type=SYSCALL msg=audit(1.0:1): pid=1", stripDispatcherSuffix(line))
	require.Equal(t, "no separator here", stripDispatcherSuffix("no separator here"))
}

func TestStdinReaderIngestsLines(t *testing.T) {
	q := spscqueue.New(4096, 4)
	defer q.Close()
	r := NewStdinReader(q, nil, nil)

	input := "type=SYSCALL msg=audit(1.0:1): pid=1\ntype=EOE msg=audit(1.0:1):\n"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, strings.NewReader(input)) }()

	buf, err := q.Get()
	require.NoError(t, err)
	require.Equal(t, "type=SYSCALL msg=audit(1.0:1): pid=1", string(buf[2:]))
	q.Release()

	buf, err = q.Get()
	require.NoError(t, err)
	require.Equal(t, "type=EOE msg=audit(1.0:1):", string(buf[2:]))
	q.Release()

	cancel()
	require.NoError(t, <-done)
}

func TestAuditdAppearedFiltersByBasename(t *testing.T) {
	require.True(t, auditdAppeared(fsCreateEvent("/sbin/auditd")))
	require.False(t, auditdAppeared(fsCreateEvent("/sbin/auditctl")))
}

func TestParseNlmsgError(t *testing.T) {
	data := []byte{0xfe, 0xff, 0xff, 0xff} // -2 little endian
	require.EqualValues(t, -2, parseNlmsgError(data))
	require.EqualValues(t, 0, parseNlmsgError(nil))
}

func TestAuditStatusRoundTrip(t *testing.T) {
	s := auditStatus{Mask: auditStatusMaskPid, Pid: 1234, BacklogLimit: 8192}
	buf := marshalAuditStatus(s)
	require.Len(t, buf, auditStatusSize)
	got := unmarshalAuditStatus(buf)
	require.Equal(t, s, got)
}

func TestBuildAndParseNlmsg(t *testing.T) {
	payload := []byte("hello")
	buf := buildNlmsg(auditGet, nlmFRequest, 7, payload)
	msgs := parseNlmsgs(buf)
	require.Len(t, msgs, 1)
	require.EqualValues(t, auditGet, msgs[0].Type)
	require.EqualValues(t, 7, msgs[0].Seq)
	require.Equal(t, payload, msgs[0].Data)
}
