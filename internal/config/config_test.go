package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/auoms-collector/internal/logging"
)

func TestDefaultsPopulatesEveryKey(t *testing.T) {
	c := Defaults()
	require.Equal(t, "/var/opt/microsoft/auoms", c.DataDir)
	require.Equal(t, c.DataDir+"/queue", c.QueueDir)
	require.EqualValues(t, 8, c.QueueNumPriorities)
	require.EqualValues(t, 1<<20, c.QueueMaxFileDataSize)
	require.EqualValues(t, 10240, c.BacklogLimit)
	require.Equal(t, 4, c.DefaultEventPriority)
	require.Equal(t, 300, c.ProcInventoryPeriodSec)
}

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	c, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), c)
}

func TestLoadFileAppliesDefaultsToOmittedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auoms.json")
	raw := `{
		"data_dir": "/custom/data",
		"backlog_limit": 500,
		"outputs": [{"name": "oms", "output_format": "raw", "output_socket": "/run/oms.socket"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "/custom/data", c.DataDir)
	require.EqualValues(t, 500, c.BacklogLimit)
	require.EqualValues(t, 8, c.QueueNumPriorities) // defaulted, not set in file
	require.Len(t, c.Outputs, 1)
	require.Equal(t, "oms", c.Outputs[0].Name)
	require.EqualValues(t, 100, c.Outputs[0].AckQueueSize) // per-output default
}

func TestLoadFileRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auoms.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestWatcherFiresOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auoms.json")
	initial, err := json.Marshal(&Config{BacklogLimit: 111})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, initial, 0o644))

	w, err := NewWatcher(path, logging.Default())
	require.NoError(t, err)

	reloads := make(chan *Config, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(c *Config, err error) {
		if err == nil {
			reloads <- c
		}
	})

	select {
	case c := <-reloads:
		require.EqualValues(t, 111, c.BacklogLimit)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial load")
	}

	updated, err := json.Marshal(&Config{BacklogLimit: 222})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, updated, 0o644))

	select {
	case c := <-reloads:
		require.EqualValues(t, 222, c.BacklogLimit)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
