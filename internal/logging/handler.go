package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// SwappableHandler wraps a slog.Handler that can be atomically replaced at
// runtime. This lets the bootstrap-to-full mode transition happen without
// invalidating loggers handed out before the swap.
type SwappableHandler struct {
	handler atomic.Pointer[slog.Handler]
}

// NewSwappableHandler creates a handler with an initial handler.
func NewSwappableHandler(initial slog.Handler) *SwappableHandler {
	sh := &SwappableHandler{}
	sh.handler.Store(&initial)
	return sh
}

// Swap atomically replaces the underlying handler. Safe to call while
// logging is in progress.
func (sh *SwappableHandler) Swap(newHandler slog.Handler) {
	sh.handler.Store(&newHandler)
}

func (sh *SwappableHandler) current() slog.Handler {
	return *sh.handler.Load()
}

func (sh *SwappableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return sh.current().Enabled(ctx, level)
}

func (sh *SwappableHandler) Handle(ctx context.Context, r slog.Record) error {
	return sh.current().Handle(ctx, r)
}

func (sh *SwappableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewSwappableHandler(sh.current().WithAttrs(attrs))
}

func (sh *SwappableHandler) WithGroup(name string) slog.Handler {
	return NewSwappableHandler(sh.current().WithGroup(name))
}
