// Package collector implements the AUDIT netlink exclusive-acquisition
// protocol and the stdin dispatcher-mode alternative intake, feeding raw
// audit record lines into the SPSC hand-off queue (SPEC_FULL.md §4.4).
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/pipeline"
	"github.com/behrlich/auoms-collector/internal/spscqueue"
)

// State is one node of the Idle→Connecting→Claiming→Streaming→Releasing→Idle
// acquisition state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateClaiming
	StateStreaming
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateClaiming:
		return "claiming"
	case StateStreaming:
		return "streaming"
	case StateReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// ExitReason is why Run returned.
type ExitReason int

const (
	ExitStopped ExitReason = iota
	ExitPreempted
	ExitRestart
	ExitAlreadyClaimed
	ExitError
)

// auditConn is the AUDIT netlink control/data surface the state machine
// drives; netlink_linux.go's netlinkSocket is the real implementation,
// netlink_stub.go stands in on non-Linux builds.
type auditConn interface {
	GetStatus() (auditStatus, error)
	SetPid(pid uint32) error
	SetEnabled(enabled uint32) error
	SetBacklog(limit, waitTime uint32, haveWaitTime bool) error
	Recv(buf []byte) ([]nlmsg, error)
	SetReadTimeout(d time.Duration) error
	Close() error
}

// Metrics is the subset of instrumentation the collector reports through;
// the concrete Prometheus-backed implementation lives in internal/metrics.
type Metrics interface {
	AddBytesIn(n int)
	IncRecordsIn()
	AddBytesLost(n uint32)
	IncSegmentsLost()
}

type noopMetrics struct{}

func (noopMetrics) AddBytesIn(int)      {}
func (noopMetrics) IncRecordsIn()       {}
func (noopMetrics) AddBytesLost(uint32) {}
func (noopMetrics) IncSegmentsLost()    {}

// Options configures one collector run.
type Options struct {
	BacklogLimit        uint32
	BacklogWaitTime     uint32
	HaveBacklogWaitTime bool

	MaxPidRetries        int
	PreemptionPollPeriod time.Duration
	SbinWatchDir         string

	Metrics Metrics
	Log     *logging.Logger

	// openDataConn/openControlConn are overridden in tests to avoid real
	// netlink sockets; production callers leave them nil.
	openDataConn    func() (auditConn, error)
	openControlConn func() (auditConn, error)
}

func (o *Options) setDefaults() {
	if o.MaxPidRetries <= 0 {
		o.MaxPidRetries = 5
	}
	if o.PreemptionPollPeriod <= 0 {
		o.PreemptionPollPeriod = 10 * time.Second
	}
	if o.SbinWatchDir == "" {
		o.SbinWatchDir = "/sbin"
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Log == nil {
		o.Log = logging.Default()
	}
	if o.openDataConn == nil {
		o.openDataConn = openAuditConn
	}
	if o.openControlConn == nil {
		o.openControlConn = openAuditConn
	}
}

// Collector runs the acquisition protocol and streams claimed records into
// an SPSC queue until preempted, told to stop, or another auditd shows up.
type Collector struct {
	opts  Options
	queue *spscqueue.Queue
	state State

	revertEnabled bool
}

// New returns a Collector that writes claimed records into queue.
func New(queue *spscqueue.Queue, opts Options) *Collector {
	opts.setDefaults()
	return &Collector{opts: opts, queue: queue, state: StateIdle}
}

// State returns the collector's current acquisition state.
func (c *Collector) State() State { return c.state }

// Run drives the full acquisition protocol and, once claimed, streams
// records until ctx is cancelled or the collector is preempted.
func (c *Collector) Run(ctx context.Context) (ExitReason, error) {
	c.state = StateConnecting
	dataConn, err := c.opts.openDataConn()
	if err != nil {
		c.state = StateIdle
		return ExitError, fmt.Errorf("open data netlink connection: %w", err)
	}
	defer dataConn.Close()

	ctrlConn, err := c.opts.openControlConn()
	if err != nil {
		c.state = StateIdle
		return ExitError, fmt.Errorf("open control netlink connection: %w", err)
	}
	defer ctrlConn.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.state = StateIdle
		return ExitError, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.opts.SbinWatchDir); err != nil {
		c.opts.Log.Warnf("watch %s: %v", c.opts.SbinWatchDir, err)
	}

	c.state = StateClaiming
	ourPid := uint32(os.Getpid())
	reason, err := c.claim(ctrlConn, dataConn, ourPid)
	if err != nil || reason != ExitStopped {
		c.state = StateIdle
		return reason, err
	}

	c.state = StateStreaming
	reason = c.stream(ctx, dataConn, ctrlConn, watcher, ourPid)

	c.state = StateReleasing
	c.release(ctrlConn)
	c.state = StateIdle
	return reason, nil
}

// claim executes steps 2-4 of the acquisition protocol: verify no other
// collector already owns audit_pid, set our pid, enable auditing if
// disabled, and push backlog parameters.
func (c *Collector) claim(ctrlConn, dataConn auditConn, ourPid uint32) (ExitReason, error) {
	status, err := ctrlConn.GetStatus()
	if err != nil {
		return ExitError, fmt.Errorf("get audit status: %w", err)
	}
	if status.Pid != 0 && processExists(status.Pid) {
		return ExitAlreadyClaimed, pipeline.New("collector.claim", pipeline.KindPreemption,
			fmt.Sprintf("pid %d already assigned as the audit collector", status.Pid))
	}

	var lastErr error
	claimed := false
	for attempt := 0; attempt <= c.opts.MaxPidRetries; attempt++ {
		err := dataConn.SetPid(ourPid)
		if err == nil {
			claimed = true
			break
		}
		if errors.Is(err, unix.ETIMEDOUT) {
			status, lastErr = ctrlConn.GetStatus()
			if lastErr == nil && status.Pid == ourPid {
				claimed = true
				break
			}
			if lastErr == nil {
				lastErr = err
			}
			continue
		}
		return ExitError, fmt.Errorf("set audit pid: %w", err)
	}
	if !claimed {
		return ExitError, fmt.Errorf("set audit pid: max retries exceeded: %w", lastErr)
	}

	if status.Enabled == 0 {
		if err := ctrlConn.SetEnabled(1); err != nil {
			return ExitError, fmt.Errorf("enable auditing: %w", err)
		}
		c.revertEnabled = true
	}

	if err := ctrlConn.SetBacklog(c.opts.BacklogLimit, c.opts.BacklogWaitTime, c.opts.HaveBacklogWaitTime); err != nil {
		c.opts.Log.Warnf("set backlog parameters: %v", err)
	}

	return ExitStopped, nil
}

// release reverts audit_enabled if this run turned it on, mirroring the
// source's Defer on exit.
func (c *Collector) release(ctrlConn auditConn) {
	if !c.revertEnabled {
		return
	}
	if err := ctrlConn.SetEnabled(0); err != nil {
		c.opts.Log.Warnf("revert audit_enabled: %v", err)
	}
}

// stream reads netlink datagrams, forwards every user-space message
// (type >= AUDIT_FIRST_USER_MSG, excluding AUDIT_REPLACE) into the SPSC
// queue tagged with a u16 type prefix, polls for preemption every
// PreemptionPollPeriod, and stops on an /sbin/auditd sighting.
func (c *Collector) stream(ctx context.Context, dataConn, ctrlConn auditConn, watcher *fsnotify.Watcher, ourPid uint32) ExitReason {
	_ = dataConn.SetReadTimeout(1 * time.Second)
	buf := make([]byte, 1<<16)

	lastPoll := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ExitStopped
		case ev, ok := <-watcher.Events:
			if ok && auditdAppeared(ev) {
				c.opts.Log.Infof("/sbin/auditd found on the system, exiting")
				return ExitStopped
			}
		default:
		}

		msgs, err := dataConn.Recv(buf)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.ETIMEDOUT) {
				c.opts.Log.Errorf("AUDIT netlink read failed: %v", err)
				return ExitError
			}
		}
		for _, m := range msgs {
			if m.Type < auditFirstUserMsg || m.Type == auditReplace {
				continue
			}
			c.ingest(m.Type, m.Data)
		}

		if time.Since(lastPoll) >= c.opts.PreemptionPollPeriod {
			lastPoll = time.Now()
			status, err := ctrlConn.GetStatus()
			if err != nil {
				c.opts.Log.Errorf("get audit pid: %v", err)
				return ExitError
			}
			if status.Pid != ourPid {
				if status.Pid != 0 {
					c.opts.Log.Warnf("another process (pid=%d) has taken over AUDIT collection", status.Pid)
					return ExitPreempted
				}
				c.opts.Log.Warnf("audit pid was unexpectedly set to 0, restarting")
				return ExitRestart
			}
		}
	}
}

// ingest writes one claimed record into the SPSC queue, prepending its
// u16 type tag, and accounts any bytes the queue had to drop to make room.
func (c *Collector) ingest(msgType uint16, payload []byte) {
	size := 2 + len(payload)
	buf, lossBytes, err := c.queue.Allocate(size)
	if err != nil {
		return // queue closed
	}
	if lossBytes > 0 {
		c.opts.Metrics.AddBytesLost(lossBytes)
		c.opts.Metrics.IncSegmentsLost()
	}
	buf[0] = byte(msgType)
	buf[1] = byte(msgType >> 8)
	copy(buf[2:], payload)
	c.queue.Commit(size)
	c.opts.Metrics.AddBytesIn(len(payload))
	c.opts.Metrics.IncRecordsIn()
}

func auditdAppeared(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepathBase(ev.Name) == "auditd"
}

func filepathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func processExists(pid uint32) bool {
	_, err := os.Stat("/proc/" + strconv.FormatUint(uint64(pid), 10))
	return err == nil
}
