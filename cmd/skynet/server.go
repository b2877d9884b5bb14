package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/skynetservices/skynet/internal/config"
	"github.com/skynetservices/skynet/internal/container"
)

// serverShutdownTimeout bounds how long Stop waits for connection
// handlers to drain before giving up, per spec.md §4.G's "drain
// connection handlers (best-effort)."
const serverShutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the skynet RPC server in the foreground",
	Long: "Run the skynet RPC server in the foreground.\n\n" +
		"The server binds a listener, registers any services found under the " +
		"configured services path, and blocks until interrupted. Use standard " +
		"backgrounding methods or a service manager (systemd, launchd) to run " +
		"it as a daemon.",
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	c := container.New(cfg, logManager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start container; %w", err)
	}

	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady); ok {
		logManager.Logger().Debug("notified systemd readiness")
	}

	<-ctx.Done()
	logManager.Logger().Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := c.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly; %w", err)
	}
	return nil
}
