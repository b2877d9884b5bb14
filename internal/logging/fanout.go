package logging

import (
	"context"
	"log/slog"
)

// fanoutHandler dispatches every record to both a stderr handler and a file
// handler. Errors from the file handler are not propagated: stderr logging
// must never break because the rotating file is unavailable.
type fanoutHandler struct {
	stderr slog.Handler
	file   slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return f.stderr.Enabled(ctx, level) || f.file.Enabled(ctx, level)
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if f.stderr.Enabled(ctx, r.Level) {
		if err := f.stderr.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	if f.file.Enabled(ctx, r.Level) {
		_ = f.file.Handle(ctx, r.Clone())
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanoutHandler{
		stderr: f.stderr.WithAttrs(attrs),
		file:   f.file.WithAttrs(attrs),
	}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	return fanoutHandler{
		stderr: f.stderr.WithGroup(name),
		file:   f.file.WithGroup(name),
	}
}
