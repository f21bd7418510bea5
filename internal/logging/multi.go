package logging

import (
	"context"
	"log/slog"
)

// multiHandler fans out log records to multiple slog.Handlers, each with
// its own level filter: the console handler and an independently-leveled
// log-file handler.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled implements slog.Handler.
func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

// Handle implements slog.Handler.
func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}

		if err := h.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs implements slog.Handler.
func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithAttrs(attrs)
	}

	return &multiHandler{handlers: out}
}

// WithGroup implements slog.Handler.
func (m *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithGroup(name)
	}

	return &multiHandler{handlers: out}
}
