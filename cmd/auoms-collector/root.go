package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/behrlich/auoms-collector/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "auoms-collector",
	Short: "Linux host audit telemetry collector",
	Long: `auoms-collector claims exclusive AUDIT netlink delivery, assembles
completed audit events from the raw record stream, and forwards them
through a durable priority queue to one or more configured outputs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCollect,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/opt/microsoft/auoms/auoms.json",
		"path to the collector's JSON configuration file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// rootContext returns a context that cancels on SIGINT/SIGTERM.
func rootContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func logLevelFromString(s string) logging.LogLevel {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
