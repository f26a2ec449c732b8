package collector

import "encoding/binary"

// Netlink AUDIT family message types and flags, mirrored from
// /usr/include/linux/audit.h. auditd itself is not linked against; this
// package speaks the wire protocol directly.
const (
	nlmsgNoop  = 1
	nlmsgError = 2
	nlmsgDone  = 3

	nlmFRequest = 0x1
	nlmFAck     = 0x4

	auditGet = 1000
	auditSet = 1001

	auditFirstUserMsg = 1100
	auditReplace      = 1300

	nlmsgHdrLen = 16
)

// nlmsgAlign rounds n up to the nearest 4-byte boundary, as NLMSG_ALIGN does.
func nlmsgAlign(n int) int {
	return (n + 3) &^ 3
}

// buildNlmsg wraps payload in a netlink message header addressed to the
// kernel (pid 0), returning the full wire buffer.
func buildNlmsg(msgType uint16, flags uint16, seq uint32, payload []byte) []byte {
	total := nlmsgHdrLen + len(payload)
	buf := make([]byte, nlmsgAlign(total))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], 0) // pid: kernel
	copy(buf[16:], payload)
	return buf
}

// nlmsg is one parsed netlink message from a recv buffer.
type nlmsg struct {
	Type  uint16
	Flags uint16
	Seq   uint32
	Pid   uint32
	Data  []byte
}

// parseNlmsgs splits a raw recvmsg buffer into its constituent messages.
func parseNlmsgs(buf []byte) []nlmsg {
	var out []nlmsg
	for len(buf) >= nlmsgHdrLen {
		length := binary.LittleEndian.Uint32(buf[0:4])
		if length < nlmsgHdrLen || int(length) > len(buf) {
			break
		}
		out = append(out, nlmsg{
			Type:  binary.LittleEndian.Uint16(buf[4:6]),
			Flags: binary.LittleEndian.Uint16(buf[6:8]),
			Seq:   binary.LittleEndian.Uint32(buf[8:12]),
			Pid:   binary.LittleEndian.Uint32(buf[12:16]),
			Data:  buf[nlmsgHdrLen:length],
		})
		buf = buf[nlmsgAlign(int(length)):]
	}
	return out
}

// auditStatusSize is sizeof(struct audit_status): 10 uint32 fields.
const auditStatusSize = 40

// auditStatus mirrors the kernel's struct audit_status field-for-field;
// do not reorder or resize these fields.
type auditStatus struct {
	Mask            uint32
	Enabled         uint32
	Failure         uint32
	Pid             uint32
	RateLimit       uint32
	BacklogLimit    uint32
	Lost            uint32
	Backlog         uint32
	FeatureBitmap   uint32
	BacklogWaitTime uint32
}

const (
	auditStatusMaskEnabled         = 0x0001
	auditStatusMaskFailure         = 0x0002
	auditStatusMaskPid             = 0x0004
	auditStatusMaskRateLimit       = 0x0008
	auditStatusMaskBacklogLimit    = 0x0010
	auditStatusMaskBacklogWaitTime = 0x0020
	auditStatusMaskLost            = 0x0040
)

func marshalAuditStatus(s auditStatus) []byte {
	buf := make([]byte, auditStatusSize)
	binary.LittleEndian.PutUint32(buf[0:4], s.Mask)
	binary.LittleEndian.PutUint32(buf[4:8], s.Enabled)
	binary.LittleEndian.PutUint32(buf[8:12], s.Failure)
	binary.LittleEndian.PutUint32(buf[12:16], s.Pid)
	binary.LittleEndian.PutUint32(buf[16:20], s.RateLimit)
	binary.LittleEndian.PutUint32(buf[20:24], s.BacklogLimit)
	binary.LittleEndian.PutUint32(buf[24:28], s.Lost)
	binary.LittleEndian.PutUint32(buf[28:32], s.Backlog)
	binary.LittleEndian.PutUint32(buf[32:36], s.FeatureBitmap)
	binary.LittleEndian.PutUint32(buf[36:40], s.BacklogWaitTime)
	return buf
}

func unmarshalAuditStatus(buf []byte) auditStatus {
	var s auditStatus
	if len(buf) < auditStatusSize {
		return s
	}
	s.Mask = binary.LittleEndian.Uint32(buf[0:4])
	s.Enabled = binary.LittleEndian.Uint32(buf[4:8])
	s.Failure = binary.LittleEndian.Uint32(buf[8:12])
	s.Pid = binary.LittleEndian.Uint32(buf[12:16])
	s.RateLimit = binary.LittleEndian.Uint32(buf[16:20])
	s.BacklogLimit = binary.LittleEndian.Uint32(buf[20:24])
	s.Lost = binary.LittleEndian.Uint32(buf[24:28])
	s.Backlog = binary.LittleEndian.Uint32(buf[28:32])
	s.FeatureBitmap = binary.LittleEndian.Uint32(buf[32:36])
	s.BacklogWaitTime = binary.LittleEndian.Uint32(buf[36:40])
	return s
}
