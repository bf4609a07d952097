// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewMatchLoggerDisabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewMatchLogger(base, "", "commander", "match-1")
	if err != nil {
		t.Fatalf("NewMatchLogger: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Fatalf("an empty matchLogDir must return the base logger unchanged")
	}
	if path != "" {
		t.Fatalf("path = %q, want empty when disabled", path)
	}
}

func TestNewMatchLoggerTeesToBothSinks(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewMatchLogger(base, dir, "commander", "match-abc")
	if err != nil {
		t.Fatalf("NewMatchLogger: %v", err)
	}

	wantPath := filepath.Join(dir, "commander", "match-abc.log")
	if logPath != wantPath {
		t.Fatalf("logPath = %q, want %q", logPath, wantPath)
	}

	logger.Info("frame advanced", "frame", 42)
	closer.Close()

	if !strings.Contains(baseBuf.String(), "frame advanced") {
		t.Fatalf("record missing from base handler: %s", baseBuf.String())
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading match log: %v", err)
	}
	for _, want := range []string{"frame advanced", `"frame":42`, `"match":"match-abc"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("match log missing %q: %s", want, data)
		}
	}
}

func TestNewMatchLoggerFileKeepsDebug(t *testing.T) {
	dir := t.TempDir()

	// The global handler filters at INFO; the match file must still
	// capture DEBUG so a desync can be diagnosed after the fact.
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewMatchLogger(base, dir, "commander", "match-debug")
	if err != nil {
		t.Fatalf("NewMatchLogger: %v", err)
	}

	logger.Debug("resend request raised", "slot", 1, "frame", 7)
	logger.Info("peer evicted", "slot", 2)
	closer.Close()

	if strings.Contains(baseBuf.String(), "resend request raised") {
		t.Fatalf("DEBUG record leaked into the INFO-level base handler")
	}
	if !strings.Contains(baseBuf.String(), "peer evicted") {
		t.Fatalf("INFO record missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	for _, want := range []string{"resend request raised", "peer evicted"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("match log missing %q: %s", want, data)
		}
	}
}

func TestNewMatchLoggerWithAttrsReachesBothSinks(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewMatchLogger(base, dir, "commander", "match-attrs")
	if err != nil {
		t.Fatalf("NewMatchLogger: %v", err)
	}

	enriched := logger.With("slot", 3)
	enriched.Info("chat relayed")
	closer.Close()

	if !strings.Contains(baseBuf.String(), "match-attrs") {
		t.Fatalf("match attr missing from base handler: %s", baseBuf.String())
	}
	data, _ := os.ReadFile(logPath)
	for _, want := range []string{"match-attrs", "chat relayed", `"slot":3`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("match log missing %q: %s", want, data)
		}
	}
}

func TestRemoveMatchLog(t *testing.T) {
	dir := t.TempDir()
	peerDir := filepath.Join(dir, "commander")
	if err := os.MkdirAll(peerDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	logPath := filepath.Join(peerDir, "finished-match.log")
	if err := os.WriteFile(logPath, []byte("x"), 0644); err != nil {
		t.Fatalf("seeding log file: %v", err)
	}

	RemoveMatchLog(dir, "commander", "finished-match")

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("log for a cleanly finished match should have been removed")
	}

	// And removal is a silent no-op for disabled or already-gone logs.
	RemoveMatchLog("", "commander", "finished-match")
	RemoveMatchLog(dir, "commander", "never-existed")
}
