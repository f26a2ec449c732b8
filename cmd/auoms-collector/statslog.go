package main

import (
	"github.com/robfig/cron/v3"

	"github.com/behrlich/auoms-collector/internal/logging"
	"github.com/behrlich/auoms-collector/internal/metrics"
)

// statsLogger periodically logs a one-line pipeline stats snapshot, using
// cron.New/AddFunc/Start for the periodic schedule.
type statsLogger struct {
	expr string
	cron *cron.Cron
}

func newStatsLogger(expr string) *statsLogger {
	return &statsLogger{expr: expr}
}

// Start schedules the logging job. An empty expr disables it.
func (s *statsLogger) Start(counters *metrics.Counters, log *logging.Logger) error {
	if s.expr == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.expr, func() {
		snap := counters.Snapshot()
		log.Infof("pipeline stats: records_in=%d bytes_in=%d events_built=%d events_dropped=%d",
			snap.RecordsIn, snap.BytesIn, snap.EventsBuilt, snap.EventsDropped)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduled job, if running.
func (s *statsLogger) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
