// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package diagnostics reports host system health alongside the netcode
// kernel's own state, so an operator reading a session's logs can tell
// a stall caused by CPU starvation on the local box apart from one caused
// by a stalled peer.
package diagnostics

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is one point-in-time reading of the resources a lockstep peer
// competes for on its own machine.
type HostStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
}

// CollectHostStats samples the host on demand. There is deliberately no
// background collector here: the two consumers — the per-interval
// telemetry line and the one-shot desync bundle — each want a reading
// taken at their own moment, not a stale cache refreshed on somebody
// else's schedule. A metric that cannot be read degrades to its zero
// value with a debug log line; host introspection must never get in a
// match's way.
func CollectHostStats(logger *slog.Logger) HostStats {
	var stats HostStats

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else if logger != nil {
		logger.Debug("cpu sample failed", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	} else if logger != nil {
		logger.Debug("memory sample failed", "error", err)
	}

	if du, err := disk.Usage("/"); err == nil {
		stats.DiskUsagePercent = du.UsedPercent
	} else if logger != nil {
		logger.Debug("disk sample failed", "error", err)
	}

	if avg, err := load.Avg(); err == nil {
		stats.LoadAverage = avg.Load1
	} else if logger != nil {
		logger.Debug("load sample failed", "error", err)
	}

	return stats
}
