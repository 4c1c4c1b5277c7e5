package common

import (
	"log/slog"
	"os"
)

type LoggingOpts struct {
	// Debug enables level debug, otherwise level info.
	Debug bool

	// JSON selects line-delimited JSON output instead of text.
	JSON bool

	// Service is added as a "service" tag to all log lines if set.
	Service string

	// Version is added as a "version" tag to all log lines if set.
	Version string
}

// SetupLogger builds the process logger writing to stderr.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
