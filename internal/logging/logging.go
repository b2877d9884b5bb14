// Package logging manages the process-wide structured logger: a stderr-only
// bootstrap handler usable before configuration is loaded, upgraded to a
// rotating file handler once it is.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Manager handles logger lifecycle including the bootstrap-to-full mode
// transition. Components should obtain a logger via Logger() and use it for
// all logging; the returned logger stays valid across Upgrade calls.
type Manager struct {
	handler  *SwappableHandler
	logger   *slog.Logger
	rotation *lumberjack.Logger
	level    *slog.LevelVar
	mu       sync.Mutex
}

// NewManager creates a logging manager in bootstrap mode: text to stderr
// only. Call Upgrade once configuration is available to enable rotating
// file logging.
func NewManager() *Manager {
	level := new(slog.LevelVar)
	level.Set(DefaultLevel)

	opts := &slog.HandlerOptions{Level: level}
	bootstrap := slog.NewTextHandler(os.Stderr, opts)

	handler := NewSwappableHandler(bootstrap)
	return &Manager{
		handler: handler,
		logger:  slog.New(handler),
		level:   level,
	}
}

// Logger returns the current logger instance. Stable across Upgrade calls.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Upgrade transitions from bootstrap mode (stderr-only) to full mode:
// stderr text plus JSON to a rotating log file. maxSizeMB, maxBackups, and
// maxAgeDays configure the rotation policy.
func (m *Manager) Upgrade(logFilePath string, level slog.Level, maxSizeMB, maxBackups, maxAgeDays int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logFilePath == "" {
		return fmt.Errorf("logging: upgrade requires a non-empty log file path")
	}

	rotation := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}

	if m.rotation != nil {
		_ = m.rotation.Close()
	}
	m.rotation = rotation

	m.level.Set(level)
	opts := &slog.HandlerOptions{Level: m.level}

	full := fanoutHandler{
		stderr: slog.NewTextHandler(os.Stderr, opts),
		file:   slog.NewJSONHandler(rotation, opts),
	}

	m.handler.Swap(full)
	return nil
}

// SetLevel changes the log level at runtime; applies immediately to all
// future log calls.
func (m *Manager) SetLevel(level slog.Level) {
	m.level.Set(level)
}

// Close cleanly shuts down the logger, closing the rotation file if open.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rotation != nil {
		err := m.rotation.Close()
		m.rotation = nil
		return err
	}
	return nil
}
