//go:build linux

package collector

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const netlinkAudit = 9 // NETLINK_AUDIT

// netlinkSocket is a thin wrapper around an AF_NETLINK/NETLINK_AUDIT socket,
// in the same spirit as ctrl.Controller's thin wrapper around
// /dev/ublk-control: open a handle, issue request/response commands against
// it, close on exit.
type netlinkSocket struct {
	fd  int
	seq uint32
}

func openNetlinkSocket() (*netlinkSocket, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, netlinkAudit)
	if err != nil {
		return nil, fmt.Errorf("open AUDIT netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind AUDIT netlink socket: %w", err)
	}
	return &netlinkSocket{fd: fd}, nil
}

func (n *netlinkSocket) Close() error {
	return unix.Close(n.fd)
}

// fd exposes the underlying descriptor for the streaming recv loop, which
// needs to select/poll on it alongside the inotify watch.
func (n *netlinkSocket) Fd() int { return n.fd }

// send submits one request message and does not wait for a reply.
func (n *netlinkSocket) send(msgType uint16, payload []byte) error {
	n.seq++
	buf := buildNlmsg(msgType, nlmFRequest|nlmFAck, n.seq, payload)
	return unix.Sendto(n.fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

// recv blocks (subject to a read timeout set by the caller via SetReadTimeout)
// and returns every message in the next datagram.
func (n *netlinkSocket) recv(buf []byte) ([]nlmsg, error) {
	nr, _, err := unix.Recvfrom(n.fd, buf, 0)
	if err != nil {
		return nil, err
	}
	return parseNlmsgs(buf[:nr]), nil
}

// SetReadTimeout bounds recv calls, used for the AuditGet/AuditSetPid
// request/response round trips and the streaming read loop alike.
func (n *netlinkSocket) SetReadTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(n.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// Recv exposes recv for the streaming read loop in collector.go.
func (n *netlinkSocket) Recv(buf []byte) ([]nlmsg, error) {
	return n.recv(buf)
}

// openAuditConn opens and binds a new AUDIT netlink socket, satisfying
// auditConn.
func openAuditConn() (auditConn, error) {
	return openNetlinkSocket()
}

// GetStatus performs the AUDIT_GET request/response round trip.
func (n *netlinkSocket) GetStatus() (auditStatus, error) {
	if err := n.send(auditGet, nil); err != nil {
		return auditStatus{}, err
	}
	buf := make([]byte, 8192)
	for {
		msgs, err := n.recv(buf)
		if err != nil {
			return auditStatus{}, err
		}
		for _, m := range msgs {
			if m.Type == auditGet {
				return unmarshalAuditStatus(m.Data), nil
			}
			if m.Type == nlmsgError {
				if errno := parseNlmsgError(m.Data); errno != 0 {
					return auditStatus{}, unix.Errno(-errno)
				}
			}
		}
	}
}

// setStatus performs an AUDIT_SET request carrying only the fields whose
// mask bit is set, matching AuditStatus::UpdateStatus's sparse-update shape.
func (n *netlinkSocket) setStatus(s auditStatus) error {
	if err := n.send(auditSet, marshalAuditStatus(s)); err != nil {
		return err
	}
	buf := make([]byte, 8192)
	msgs, err := n.recv(buf)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Type == nlmsgError {
			if errno := parseNlmsgError(m.Data); errno != 0 {
				return unix.Errno(-errno)
			}
		}
	}
	return nil
}

// SetPid sets our pid as the AUDIT_SET target, the exclusive-claim step of
// the acquisition protocol (SPEC_FULL.md §4.4 step 3).
func (n *netlinkSocket) SetPid(pid uint32) error {
	return n.setStatus(auditStatus{Mask: auditStatusMaskPid, Pid: pid})
}

// SetEnabled flips audit_enabled.
func (n *netlinkSocket) SetEnabled(enabled uint32) error {
	return n.setStatus(auditStatus{Mask: auditStatusMaskEnabled, Enabled: enabled})
}

// SetBacklog sets backlog_limit and, if haveWaitTime, backlog_wait_time.
func (n *netlinkSocket) SetBacklog(limit, waitTime uint32, haveWaitTime bool) error {
	s := auditStatus{Mask: auditStatusMaskBacklogLimit, BacklogLimit: limit}
	if haveWaitTime {
		s.Mask |= auditStatusMaskBacklogWaitTime
		s.BacklogWaitTime = waitTime
	}
	return n.setStatus(s)
}

func parseNlmsgError(data []byte) int32 {
	if len(data) < 4 {
		return 0
	}
	return int32(data[0]) | int32(data[1])<<8 | int32(data[2])<<16 | int32(data[3])<<24
}
