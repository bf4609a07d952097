// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/robfig/cron/v3"
)

// Maintenance runs the relay's single periodic housekeeping job: rotate
// the current replay segment, upload it, and prune old segments beyond
// the retention window. One cron entry is enough — a relay has exactly
// one replay stream.
type Maintenance struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewMaintenance schedules the replay rotation/upload job using standard
// cron expression syntax (including robfig/cron's "@every" shorthand).
func NewMaintenance(schedule string, buffer *ReplayBuffer, uploader *ReplayUploader, maxSegments int, logger *slog.Logger) (*Maintenance, error) {
	logger = logger.With("component", "maintenance")
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(schedule, func() {
		runReplayMaintenance(buffer, uploader, maxSegments, logger)
	}); err != nil {
		return nil, fmt.Errorf("scheduling replay maintenance %q: %w", schedule, err)
	}

	return &Maintenance{cron: c, logger: logger}, nil
}

// Start begins the scheduler.
func (m *Maintenance) Start() {
	m.logger.Info("maintenance scheduler started")
	m.cron.Start()
}

// Stop stops the scheduler and waits for any in-flight job to finish, or
// for ctx to expire.
func (m *Maintenance) Stop(ctx context.Context) {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
		m.logger.Info("maintenance scheduler stopped gracefully")
	case <-ctx.Done():
		m.logger.Warn("maintenance scheduler stop timed out")
	}
}

func runReplayMaintenance(buffer *ReplayBuffer, uploader *ReplayUploader, maxSegments int, logger *slog.Logger) {
	segmentPath, err := buffer.Rotate()
	if err != nil {
		logger.Error("replay rotation failed", "error", err)
		return
	}
	if segmentPath == "" {
		return
	}

	if uploader != nil {
		if err := uploader.Upload(context.Background(), segmentPath); err != nil {
			logger.Error("replay upload failed", "error", err, "segment", segmentPath)
		} else {
			logger.Info("replay segment uploaded", "segment", segmentPath)
		}
	}

	if err := RotateOldSegments(filepath.Dir(segmentPath), maxSegments); err != nil {
		logger.Warn("replay retention sweep failed", "error", err)
	}
}
