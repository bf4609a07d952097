// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package logging builds the slog loggers the lockstep binaries run on:
// one process-wide logger, plus an optional per-match file that captures
// a single session's full debug trail for desync forensics.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide logger. format is "json" (default)
// or "text"; level is one of "debug", "info" (default), "warn", "error".
// With a non-empty filePath, records go to stdout and the file together.
// The returned Closer must be called at shutdown; it is a no-op when no
// file is involved.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	sink, closer := openSink(filePath)
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(buildHandler(format, sink, opts)), closer
}

// openSink resolves where log records land. A file that cannot be opened
// degrades to stdout-only with a warning on stderr — a peer with a bad
// log path still has to join its match.
func openSink(filePath string) (io.Writer, io.Closer) {
	if filePath == "" {
		return os.Stdout, io.NopCloser(nil)
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		return os.Stdout, io.NopCloser(nil)
	}
	return io.MultiWriter(os.Stdout, f), f
}

func buildHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
