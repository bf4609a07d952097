// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadSessionConfig_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
session:
  name: skirmish-01
local:
  player_id: 2
  player_name: commander
relay:
  address: relay.example.com:9847
`)
	cfg, err := LoadSessionConfig(path)
	if err != nil {
		t.Fatalf("LoadSessionConfig: %v", err)
	}
	if cfg.Frame.Rate != defaultFrameRate {
		t.Errorf("expected default frame rate %d, got %d", defaultFrameRate, cfg.Frame.Rate)
	}
	if cfg.Frame.RunAhead != defaultRunAhead {
		t.Errorf("expected default run ahead %d, got %d", defaultRunAhead, cfg.Frame.RunAhead)
	}
	if cfg.Disconnect.TimeoutMs != defaultDisconnectTimeoutMs {
		t.Errorf("expected default disconnect timeout %d, got %d", defaultDisconnectTimeoutMs, cfg.Disconnect.TimeoutMs)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %+v", cfg.Logging)
	}
	if cfg.Local.PlayerID != 2 {
		t.Errorf("expected player id 2, got %d", cfg.Local.PlayerID)
	}
}

func TestLoadSessionConfig_RevertsOutOfRangeFrameRate(t *testing.T) {
	path := writeTempConfig(t, `
local:
  player_id: 0
frame:
  rate: 9001
`)
	cfg, err := LoadSessionConfig(path)
	if err != nil {
		t.Fatalf("LoadSessionConfig: %v", err)
	}
	if cfg.Frame.Rate != defaultFrameRate {
		t.Errorf("expected out-of-range frame rate to revert to default %d, got %d", defaultFrameRate, cfg.Frame.Rate)
	}
}

func TestLoadSessionConfig_MissingFileErrors(t *testing.T) {
	if _, err := LoadSessionConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSessionConfig_ManagerConfigRoundTrip(t *testing.T) {
	cfg := &SessionConfig{
		Local: LocalPlayer{PlayerID: 3, PlayerName: "p3"},
		Frame: FrameInfo{Rate: 60, RunAhead: 5},
		Disconnect: Disconnect{
			TimeoutMs: 1000, PlayerTimeoutMs: 2000,
			ScreenNotifyTimeoutMs: 3000, KeepAliveIntervalMs: 250,
		},
	}
	mc := cfg.ManagerConfig()
	if mc.LocalPlayerID != 3 || mc.FrameRate != 60 || mc.RunAhead != 5 {
		t.Fatalf("unexpected ManagerConfig: %+v", mc)
	}
	if mc.DisconnectTimeoutMs != 1000 || mc.DisconnectKeepAliveIntervalMs != 250 {
		t.Fatalf("unexpected disconnect timers: %+v", mc)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"64mb": 64 * 1024 * 1024,
		"1gb":  1024 * 1024 * 1024,
		"512":  512,
		"2kb":  2 * 1024,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseByteSize("bogus"); err == nil {
		t.Fatal("expected error for unparseable size")
	}
}
