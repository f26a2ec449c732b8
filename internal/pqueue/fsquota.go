package pqueue

import "golang.org/x/sys/unix"

// fsQuota is a single statvfs sample reduced to the two numbers the
// saver needs to compute its allowance.
type fsQuota struct {
	fsSizeBytes uint64
	fsFreeBytes uint64
}

func sampleFsQuota(path string) (fsQuota, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return fsQuota{}, err
	}
	bsize := uint64(st.Bsize)
	return fsQuota{
		fsSizeBytes: st.Blocks * bsize,
		fsFreeBytes: st.Bavail * bsize,
	}, nil
}

// allowedBytes applies the spec's three-limit rule: the tightest of an
// absolute cap, a percent-of-filesystem cap, and a minimum-free-percent
// reserve wins.
func (q fsQuota) allowedBytes(maxFsBytes uint64, maxFsPct, minFsFreePct int) uint64 {
	allowed := maxFsBytes
	if pctCap := q.fsSizeBytes * uint64(maxFsPct) / 100; pctCap < allowed {
		allowed = pctCap
	}
	reserve := q.fsSizeBytes * uint64(minFsFreePct) / 100
	var freeCap uint64
	if q.fsFreeBytes > reserve {
		freeCap = q.fsFreeBytes - reserve
	}
	if freeCap < allowed {
		allowed = freeCap
	}
	return allowed
}
