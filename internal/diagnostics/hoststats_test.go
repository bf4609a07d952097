// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package diagnostics

import "testing"

func TestCollectHostStatsNeverPanics(t *testing.T) {
	// A nil logger is the degenerate caller; collection must still return
	// a usable (if partially zero) reading.
	stats := CollectHostStats(nil)

	for name, pct := range map[string]float64{
		"cpu":    stats.CPUPercent,
		"memory": stats.MemoryPercent,
		"disk":   stats.DiskUsagePercent,
	} {
		if pct < 0 || pct > 100 {
			t.Fatalf("%s percent = %f, want within [0, 100]", name, pct)
		}
	}
	if stats.LoadAverage < 0 {
		t.Fatalf("load average = %f, want non-negative", stats.LoadAverage)
	}
}
