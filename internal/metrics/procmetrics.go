package metrics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/pipeline"
)

// ProcessSampler periodically reads the collector's own RSS/VIRT from
// /proc/self/statm and enforces the rss_limit/virt_limit/rss_pct_limit
// self-kill thresholds, the Go rendering of the source's ProcMetrics
// sampling thread. A zero limit disables that particular check.
type ProcessSampler struct {
	period      time.Duration
	rssLimit    uint64
	virtLimit   uint64
	rssPctLimit float64
	fatal       func(*pipeline.Error)
	log         *logging.Logger

	pageSize    uint64
	totalMemory uint64

	mu     sync.Mutex
	rss    uint64
	virt   uint64
	rssPct float64
}

// NewProcessSampler returns a sampler that samples every period and calls
// fatal once, with a KindFatal pipeline.Error, the first time RSS, VIRT, or
// RSS% exceeds its configured limit. The caller's fatal func is expected to
// terminate the process, matching the source's limit_fn callback.
func NewProcessSampler(period time.Duration, rssLimit, virtLimit uint64, rssPctLimit float64, fatal func(*pipeline.Error), log *logging.Logger) *ProcessSampler {
	return &ProcessSampler{
		period:      period,
		rssLimit:    rssLimit,
		virtLimit:   virtLimit,
		rssPctLimit: rssPctLimit,
		fatal:       fatal,
		log:         log,
		pageSize:    uint64(os.Getpagesize()),
	}
}

// Run samples on a ticker until ctx is done or a limit breach fires fatal,
// whichever comes first.
func (s *ProcessSampler) Run(ctx context.Context) {
	if s.totalMemory == 0 {
		mem, err := totalSystemMemory()
		if err != nil {
			if s.log != nil {
				s.log.Warnf("proc metrics: sysinfo: %v", err)
			}
		} else {
			s.totalMemory = mem
		}
	}

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.sample() {
				return
			}
		}
	}
}

// sample reads /proc/self/statm, updates the exported gauges, and checks
// the configured limits in rss/rss_pct/virt order, matching the source.
// It returns true once a breach has fired fatal, so Run stops its loop.
func (s *ProcessSampler) sample() bool {
	rss, virt, err := readStatm(s.pageSize)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("proc metrics: read statm: %v", err)
		}
		return false
	}

	var rssPct float64
	if s.totalMemory > 0 {
		rssPct = float64(rss) / float64(s.totalMemory) * 100.0
	}

	s.mu.Lock()
	s.rss, s.virt, s.rssPct = rss, virt, rssPct
	s.mu.Unlock()

	switch {
	case s.rssLimit > 0 && rss > s.rssLimit:
		s.breach("rss", fmt.Sprintf("resident set size %d exceeds rss_limit %d", rss, s.rssLimit))
		return true
	case s.rssPctLimit > 0 && rssPct > s.rssPctLimit:
		s.breach("rss_pct", fmt.Sprintf("resident set %.2f%% of system memory exceeds rss_pct_limit %.2f%%", rssPct, s.rssPctLimit))
		return true
	case s.virtLimit > 0 && virt > s.virtLimit:
		s.breach("virt", fmt.Sprintf("virtual memory size %d exceeds virt_limit %d", virt, s.virtLimit))
		return true
	}
	return false
}

func (s *ProcessSampler) breach(op, msg string) {
	err := pipeline.New("procmetrics."+op, pipeline.KindFatal, msg)
	if s.log != nil {
		s.log.Errorf("%s", err.Error())
	}
	if s.fatal != nil {
		s.fatal(err)
	}
}

// Snapshot returns the most recently sampled RSS/VIRT bytes and RSS
// percentage, for Collector to export as gauges.
func (s *ProcessSampler) Snapshot() (rss, virt uint64, rssPct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rss, s.virt, s.rssPct
}

func totalSystemMemory() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}

func readStatm(pageSize uint64) (rss, virt uint64, err error) {
	f, err := os.Open("/proc/self/statm")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256), 256)
	if !sc.Scan() {
		return 0, 0, fmt.Errorf("empty /proc/self/statm")
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("malformed /proc/self/statm: %q", sc.Text())
	}
	total, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	resident, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return resident * pageSize, total * pageSize, nil
}
