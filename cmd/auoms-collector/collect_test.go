package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/auoms-collector/internal/config"
	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/metrics"
	"github.com/behrlich/auoms-collector/internal/pqueue"
)

func newTestQueue(t *testing.T) *pqueue.PriorityQueue {
	t.Helper()
	q, err := pqueue.Open(pqueue.Options{DataDir: t.TempDir(), NumPriorities: 1}, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestBuildOutputSelectsRawWriterByDefault(t *testing.T) {
	q := newTestQueue(t)
	out, counters, err := buildOutput(q, config.OutputConfig{Name: "a", OutputSocket: "/tmp/does-not-matter.sock"}, logging.Default())
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NotNil(t, counters)
}

func TestBuildOutputSelectsJSONWriter(t *testing.T) {
	q := newTestQueue(t)
	out, _, err := buildOutput(q, config.OutputConfig{Name: "b", OutputFormat: "json", OutputSocket: "/tmp/does-not-matter.sock"}, logging.Default())
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestBuildOutputRejectsUnknownFormat(t *testing.T) {
	q := newTestQueue(t)
	_, _, err := buildOutput(q, config.OutputConfig{Name: "c", OutputFormat: "bogus", OutputSocket: "/tmp/does-not-matter.sock"}, logging.Default())
	require.Error(t, err)
}

func TestNewLoggerAppliesConfiguredLevel(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "debug"
	log := newLogger(cfg)
	require.NotNil(t, log)
}

func TestStatsLoggerStartStop(t *testing.T) {
	sl := newStatsLogger("@every 1h")
	require.NoError(t, sl.Start(metrics.New(), logging.Default()))
	sl.Stop()
}
