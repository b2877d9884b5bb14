// Package main is the skynet CLI entry point.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/skynetservices/skynet/internal/config"
	"github.com/skynetservices/skynet/internal/logging"
)

// logManager is the global logging manager, created in init() and
// upgraded after config loads, mirroring the teacher's bootstrap-then-
// upgrade sequencing.
var logManager *logging.Manager

var rootCmd = &cobra.Command{
	Use:               "skynet",
	Short:             "Skynet RPC fabric service host",
	Long:              "skynet binds a service registry, a pooled RPC transport, and a request dispatcher into one running process.",
	PersistentPreRunE: runInitialize,
}

func init() {
	logManager = logging.NewManager()
	slog.SetDefault(logManager.Logger())

	rootCmd.AddCommand(serverCmd)
}

func runInitialize(cmd *cobra.Command, args []string) error {
	logger := logManager.Logger()

	if err := config.Init(); err != nil {
		return err
	}

	cfg := config.Get()
	logFile := config.ExpandPath(cfg.LogFile)
	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.DefaultLevel
		if cfg.LogLevel != "" {
			logger.Warn("invalid log level configured, using default", "configured", cfg.LogLevel)
		}
	}

	if err := logManager.Upgrade(logFile, level, 50, 3, 28); err != nil {
		logger.Warn("failed to enable file logging, continuing with stderr only", "error", err)
	}

	return nil
}

func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	defer func() { _ = logManager.Close() }()

	err := rootCmd.Execute()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return err
	}
	return nil
}

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
