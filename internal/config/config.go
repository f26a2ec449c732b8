// Package config loads and hot-reloads the collector's configuration
// (SPEC_FULL.md §6's "Recognized configuration keys" table). The config
// file is JSON: every scalar key from the table is a top-level field, and
// the three prioritizer keys are themselves JSON objects/maps, per the
// source's note that they are "JSON maps for prioritizer".
package config

import (
	"encoding/json"
	"os"
)

// Config mirrors the recognized configuration keys in SPEC_FULL.md §6.
// Every field that has a default in that table gets it from Defaults/
// applyDefaults when the loaded file omits it (a zero value in JSON is
// indistinguishable from "unset" for these keys, all of which are positive
// in practice). RSSLimit, VirtLimit, RSSPctLimit, the prioritizer maps,
// LogLevel, LogFile and MetricsListenAddr get no default and stay zero.
type Config struct {
	DataDir  string `json:"data_dir"`
	QueueDir string `json:"queue_dir"`

	QueueNumPriorities   int    `json:"queue_num_priorities"`
	QueueMaxFileDataSize uint32 `json:"queue_max_file_data_size"`
	QueueMaxUnsavedFiles int    `json:"queue_max_unsaved_files"`
	QueueMaxFsBytes      uint64 `json:"queue_max_fs_bytes"`
	QueueMaxFsPct        int    `json:"queue_max_fs_pct"`
	QueueMinFsFreePct    int    `json:"queue_min_fs_free_pct"`
	QueueSaveDelayMs     int    `json:"queue_save_delay"`

	RSSLimit     uint64  `json:"rss_limit"`
	VirtLimit    uint64  `json:"virt_limit"`
	RSSPctLimit  float64 `json:"rss_pct_limit"`

	BacklogLimit    uint32 `json:"backlog_limit"`
	BacklogWaitTime uint32 `json:"backlog_wait_time"`

	DefaultEventPriority           int               `json:"default_event_priority"`
	EventPriorityBySyscall         map[string]int    `json:"event_priority_by_syscall"`
	EventPriorityByRecordType      map[string]int    `json:"event_priority_by_record_type"`
	EventPriorityByRecordTypeCategory map[string]int `json:"event_priority_by_record_type_category"`

	Outputs []OutputConfig `json:"outputs"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	MetricsListenAddr string `json:"metrics_listen_addr"`

	ProcInventoryPeriodSec    int `json:"proc_inventory_period"`
	ProcInventoryMinPeriodSec int `json:"proc_inventory_min_period"`

	// StatsLogCron is a cron expression for periodically logging a
	// pipeline stats snapshot; empty disables it.
	StatsLogCron string `json:"stats_log_cron"`
}

// OutputConfig is one entry of the "outputs" array; each maps to one
// internal/output.Output (SPEC_FULL.md §6's per-output keys).
type OutputConfig struct {
	Name         string `json:"name"`
	OutputFormat string `json:"output_format"`
	OutputSocket string `json:"output_socket"`
	EnableAckMode bool  `json:"enable_ack_mode"`
	AckQueueSize int    `json:"ack_queue_size"`
}

// Defaults returns a Config with every SPEC_FULL.md §6 default populated.
func Defaults() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/opt/microsoft/auoms"
	}
	if c.QueueDir == "" {
		c.QueueDir = c.DataDir + "/queue"
	}
	if c.QueueNumPriorities == 0 {
		c.QueueNumPriorities = 8
	}
	if c.QueueMaxFileDataSize == 0 {
		c.QueueMaxFileDataSize = 1 << 20
	}
	if c.QueueMaxUnsavedFiles == 0 {
		c.QueueMaxUnsavedFiles = 128
	}
	if c.QueueMaxFsBytes == 0 {
		c.QueueMaxFsBytes = 1 << 30
	}
	if c.QueueMaxFsPct == 0 {
		c.QueueMaxFsPct = 10
	}
	if c.QueueMinFsFreePct == 0 {
		c.QueueMinFsFreePct = 5
	}
	if c.QueueSaveDelayMs == 0 {
		c.QueueSaveDelayMs = 250
	}
	if c.BacklogLimit == 0 {
		c.BacklogLimit = 10240
	}
	if c.BacklogWaitTime == 0 {
		c.BacklogWaitTime = 1
	}
	if c.DefaultEventPriority == 0 {
		c.DefaultEventPriority = 4
	}
	for i := range c.Outputs {
		if c.Outputs[i].AckQueueSize == 0 {
			c.Outputs[i].AckQueueSize = 100
		}
	}
	if c.ProcInventoryPeriodSec == 0 {
		c.ProcInventoryPeriodSec = 300
	}
	if c.ProcInventoryMinPeriodSec == 0 {
		c.ProcInventoryMinPeriodSec = 3600
	}
	if c.StatsLogCron == "" {
		c.StatsLogCron = "@every 1m"
	}
}

// LoadFile reads and parses path, applying defaults to any key the file
// doesn't set. A missing file is not an error: it returns Defaults().
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return c, nil
}
