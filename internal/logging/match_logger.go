// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// teeHandler duplicates every record to the global handler and to a
// match's own file handler. The global handler stays authoritative: its
// errors propagate, while a write failure on the match file is swallowed —
// losing one match's debug trail must never interrupt the process log.
type teeHandler struct {
	global    slog.Handler
	matchFile slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.global.Enabled(ctx, level) || h.matchFile.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	// Each side filters at its own level: the match file keeps DEBUG even
	// when the global handler is set to INFO or above.
	if h.global.Enabled(ctx, r.Level) {
		if err := h.global.Handle(ctx, r); err != nil {
			return err
		}
	}
	if h.matchFile.Enabled(ctx, r.Level) {
		_ = h.matchFile.Handle(ctx, r)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{global: h.global.WithAttrs(attrs), matchFile: h.matchFile.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{global: h.global.WithGroup(name), matchFile: h.matchFile.WithGroup(name)}
}

// NewMatchLogger layers a match-scoped log file on top of the base
// logger: every record reaches both, the file always captures at DEBUG
// in JSON (a desync is diagnosed after the fact, from whatever was kept),
// and the match id is stamped on every record. The file lands at
//
//	{matchLogDir}/{peerName}/{matchID}.log
//
// and the returned Closer must be deferred to when the match ends. An
// empty matchLogDir disables the feature and hands back the base logger.
func NewMatchLogger(base *slog.Logger, matchLogDir, peerName, matchID string) (*slog.Logger, io.Closer, string, error) {
	if matchLogDir == "" {
		return base, io.NopCloser(nil), "", nil
	}

	peerDir := filepath.Join(matchLogDir, peerName)
	if err := os.MkdirAll(peerDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating match log directory %s: %w", peerDir, err)
	}

	logPath := filepath.Join(peerDir, matchID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening match log file %s: %w", logPath, err)
	}

	tee := &teeHandler{
		global:    base.Handler(),
		matchFile: slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	return slog.New(tee).With("match", matchID), f, logPath, nil
}

// RemoveMatchLog deletes the log of a match that finished cleanly — the
// file only earns its keep when something went wrong. No-op when match
// logging is disabled or the file is already gone.
func RemoveMatchLog(matchLogDir, peerName, matchID string) {
	if matchLogDir == "" {
		return
	}
	os.Remove(filepath.Join(matchLogDir, peerName, matchID+".log"))
}
