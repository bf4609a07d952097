// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package diagnostics

import (
	"log/slog"
	"time"
)

// DefaultReportInterval is how often a SessionReporter emits its
// telemetry line unless the caller picked something else.
const DefaultReportInterval = 1 * time.Minute

// KernelSnapshot is the kernel-side half of a telemetry line: the frame
// counter and the two sticky mismatch flags the Manager exposes, plus how
// many peers are still connected. The host supplies it as a closure over
// its own Manager so this package never imports netmgr.
type KernelSnapshot struct {
	GameFrame          uint32
	ConnectedPeers     int
	CRCMismatch        bool
	FrameCountMismatch bool
}

// KernelSnapshotFunc returns the current kernel snapshot. A nil func is
// valid for hosts that run no kernel of their own (the relay hub): the
// reporter then logs host health alone.
type KernelSnapshotFunc func() KernelSnapshot

// SessionReporter logs one combined kernel+host telemetry line per
// interval for the lifetime of a process. Host stats are sampled inside
// the reporter's own tick — the collection moment is the reporting
// moment, so a spike that stalled a frame shows up in the same line that
// reports the frame counter standing still.
type SessionReporter struct {
	kernel   KernelSnapshotFunc
	logger   *slog.Logger
	interval time.Duration
	startAt  time.Time
	stop     chan struct{}
	done     chan struct{}
}

// NewSessionReporter creates a reporter logging every
// DefaultReportInterval. kernel may be nil (host-only telemetry).
func NewSessionReporter(kernel KernelSnapshotFunc, logger *slog.Logger) *SessionReporter {
	return &SessionReporter{
		kernel:   kernel,
		logger:   logger.With("component", "session_reporter"),
		interval: DefaultReportInterval,
		startAt:  time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic reporting goroutine.
func (sr *SessionReporter) Start() {
	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-sr.stop:
				return
			case <-ticker.C:
				sr.logOnce()
			}
		}
	}()
}

// Stop ends the reporting goroutine and waits for it to exit.
func (sr *SessionReporter) Stop() {
	close(sr.stop)
	<-sr.done
}

func (sr *SessionReporter) logOnce() {
	host := CollectHostStats(sr.logger)

	attrs := []any{
		"uptime_s", time.Since(sr.startAt).Seconds(),
		"cpu_percent", host.CPUPercent,
		"memory_percent", host.MemoryPercent,
		"disk_percent", host.DiskUsagePercent,
		"load_average", host.LoadAverage,
	}
	if sr.kernel != nil {
		snap := sr.kernel()
		attrs = append(attrs,
			"game_frame", snap.GameFrame,
			"connected_peers", snap.ConnectedPeers,
			"crc_mismatch", snap.CRCMismatch,
			"frame_count_mismatch", snap.FrameCountMismatch,
		)
	}
	sr.logger.Info("session telemetry", attrs...)
}
