package config

import (
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
)

var (
	// reloadMu prevents concurrent reload attempts.
	reloadMu sync.Mutex

	// signalChan receives SIGHUP signals.
	signalChan chan os.Signal

	// stopChan signals the handler goroutine to stop.
	stopChan chan struct{}
)

// SetupSignalHandler starts a goroutine that listens for SIGHUP and
// triggers a config reload. A SIGHUP arriving while a reload is already in
// progress is ignored rather than queued.
func SetupSignalHandler() {
	signalChan = make(chan os.Signal, 1)
	stopChan = make(chan struct{})

	signal.Notify(signalChan, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-signalChan:
				if reloadMu.TryLock() {
					slog.Info("received SIGHUP; reloading config")
					before := Get()
					if err := Reload(); err == nil {
						logChangedFields(before, Get())
					}
					reloadMu.Unlock()
				} else {
					slog.Debug("SIGHUP received during reload; ignoring")
				}
			case <-stopChan:
				signal.Stop(signalChan)
				return
			}
		}
	}()
}

// logChangedFields reports which process-wide settings actually moved
// across a reload. Region, server port, services path, and registry/pool
// settings are already baked into the running registry, transport pool,
// service-directory watch, and dispatcher by the time a SIGHUP arrives, so a changed value here does not take
// effect until the process is restarted — worth calling out explicitly
// rather than leaving it implicit in "config reloaded".
func logChangedFields(before, after *Config) {
	if before == nil || after == nil {
		return
	}

	if before.Region != after.Region {
		slog.Warn("region changed on reload; takes effect on next restart", "previous", before.Region, "current", after.Region)
	}
	if before.ServerPort != after.ServerPort {
		slog.Warn("server_port changed on reload; takes effect on next restart", "previous", before.ServerPort, "current", after.ServerPort)
	}
	if before.ServicesPath != after.ServicesPath {
		slog.Warn("services_path changed on reload; takes effect on next restart", "previous", before.ServicesPath, "current", after.ServicesPath)
	}
	if !reflect.DeepEqual(before.Registry, after.Registry) {
		slog.Warn("registry settings changed on reload; takes effect on next restart", "previous", before.Registry, "current", after.Registry)
	}
	if before.LogLevel != after.LogLevel {
		slog.Info("log_level changed on reload", "previous", before.LogLevel, "current", after.LogLevel)
	}
}

// StopSignalHandler stops the signal handler goroutine.
func StopSignalHandler() {
	if stopChan != nil {
		close(stopChan)
	}
}
