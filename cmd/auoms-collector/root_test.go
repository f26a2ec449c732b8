package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/auoms-collector/internal/logging"
)

func TestLogLevelFromString(t *testing.T) {
	require.Equal(t, logging.LevelDebug, logLevelFromString("debug"))
	require.Equal(t, logging.LevelWarn, logLevelFromString("warn"))
	require.Equal(t, logging.LevelError, logLevelFromString("error"))
	require.Equal(t, logging.LevelInfo, logLevelFromString("info"))
	require.Equal(t, logging.LevelInfo, logLevelFromString("bogus"))
}
