// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerFormats(t *testing.T) {
	// An unrecognized format falls back to JSON rather than failing.
	for _, format := range []string{"json", "text", "garbage"} {
		logger, closer := NewLogger("info", format, "")
		if logger == nil {
			t.Fatalf("NewLogger(%q) returned nil", format)
		}
		logger.Info("startup", "format", format)
		closer.Close()
	}
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", ""} {
		logger, closer := NewLogger(level, "json", "")
		if logger == nil {
			t.Fatalf("NewLogger(%q) returned nil", level)
		}
		closer.Close()
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "relay.log")

	logger, closer := NewLogger("info", "json", logFile)
	logger.Info("relay listening", "address", "127.0.0.1:9847")
	closer.Close()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "relay listening") {
		t.Fatalf("log file does not contain the written record: %q", data)
	}
	if !strings.Contains(string(data), "127.0.0.1:9847") {
		t.Fatalf("structured attr missing from log file: %q", data)
	}
}

func TestNewLoggerUnwritableFileFallsBackToStdout(t *testing.T) {
	// An unopenable file path must degrade to stdout-only logging, never
	// fail construction: a peer with a bad log path still has to join its
	// match.
	logger, closer := NewLogger("info", "json", "/nonexistent/dir/relay.log")
	defer closer.Close()
	if logger == nil {
		t.Fatalf("NewLogger must return a usable logger even with a bad file path")
	}
	logger.Info("still alive")
}
