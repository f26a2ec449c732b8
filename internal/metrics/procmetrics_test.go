package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/auoms-collector/internal/pipeline"
)

func TestReadStatmReturnsPlausibleValues(t *testing.T) {
	rss, virt, err := readStatm(uint64(4096))
	require.NoError(t, err)
	require.NotZero(t, rss)
	require.NotZero(t, virt)
	require.GreaterOrEqual(t, virt, rss)
}

func TestProcessSamplerZeroLimitsNeverBreach(t *testing.T) {
	var called bool
	s := NewProcessSampler(0, 0, 0, 0, func(*pipeline.Error) { called = true }, nil)
	s.pageSize = 4096
	s.totalMemory = 1 << 30

	breached := s.sample()
	require.False(t, breached)
	require.False(t, called)
}

func TestProcessSamplerRSSLimitBreachCallsFatal(t *testing.T) {
	var got *pipeline.Error
	s := NewProcessSampler(0, 1, 0, 0, func(e *pipeline.Error) { got = e }, nil)
	s.pageSize = 4096
	s.totalMemory = 1 << 30

	breached := s.sample()
	require.True(t, breached)
	require.NotNil(t, got)
	require.Equal(t, pipeline.KindFatal, got.Kind)
}

func TestProcessSamplerRSSPctLimitBreachCallsFatal(t *testing.T) {
	var got *pipeline.Error
	s := NewProcessSampler(0, 0, 0, 0.0001, func(e *pipeline.Error) { got = e }, nil)
	s.pageSize = 4096
	s.totalMemory = 1 << 30

	breached := s.sample()
	require.True(t, breached)
	require.NotNil(t, got)
	require.Equal(t, pipeline.KindFatal, got.Kind)
}

func TestProcessSamplerSnapshotReflectsLastSample(t *testing.T) {
	s := NewProcessSampler(0, 0, 0, 0, nil, nil)
	s.pageSize = 4096
	s.totalMemory = 1 << 30

	require.False(t, s.sample())
	rss, virt, rssPct := s.Snapshot()
	require.NotZero(t, rss)
	require.NotZero(t, virt)
	require.GreaterOrEqual(t, rssPct, 0.0)
}
