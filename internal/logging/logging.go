// Package logging bootstraps the process-wide structured logger built on
// log/slog. The logger sink and colour configuration are the only
// process-wide state; both are initialised during bootstrap and not
// mutated thereafter.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Format selects the console log encoding.
type Format string

const (
	Text Format = "text"
	JSON Format = "json"
)

// Options configures Bootstrap.
type Options struct {
	Format        Format
	Verbose       bool
	Quiet         bool
	Debug         bool
	FilePath      string
	FileLevel     slog.Level
}

// Bootstrap constructs the process logger and installs it as slog's
// default, returning a closer for the log file handle (if any).
func Bootstrap(opts Options) (*slog.Logger, func() error, error) {
	consoleLevel := slog.LevelInfo

	switch {
	case opts.Debug:
		consoleLevel = slog.LevelDebug
	case opts.Verbose:
		consoleLevel = slog.LevelDebug
	case opts.Quiet:
		consoleLevel = slog.LevelWarn
	}

	consoleHandler := newHandler(os.Stderr, opts.Format, consoleLevel)

	var (
		handler slog.Handler = consoleHandler
		closer  = func() error { return nil }
	)

	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open log file %s: %w", opts.FilePath, err)
		}

		fileHandler := newHandler(f, Format(JSON), opts.FileLevel)
		handler = &multiHandler{handlers: []slog.Handler{consoleHandler, fileHandler}}
		closer = f.Close
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, closer, nil
}

func newHandler(w io.Writer, format Format, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	if format == JSON {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}
