//go:build !linux

package collector

import (
	"errors"
	"time"
)

// errUnsupported is returned by every auditConn method on non-Linux builds;
// the AUDIT netlink family only exists on Linux.
var errUnsupported = errors.New("collector: AUDIT netlink is only supported on linux")

type unsupportedConn struct{}

func openAuditConn() (auditConn, error) { return nil, errUnsupported }

func (unsupportedConn) GetStatus() (auditStatus, error)         { return auditStatus{}, errUnsupported }
func (unsupportedConn) SetPid(uint32) error                     { return errUnsupported }
func (unsupportedConn) SetEnabled(uint32) error                 { return errUnsupported }
func (unsupportedConn) SetBacklog(uint32, uint32, bool) error   { return errUnsupported }
func (unsupportedConn) Recv([]byte) ([]nlmsg, error)            { return nil, errUnsupported }
func (unsupportedConn) SetReadTimeout(time.Duration) error      { return errUnsupported }
func (unsupportedConn) Close() error                            { return nil }
