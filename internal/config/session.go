// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package config loads and validates the YAML configuration for the two
// lockstep-net binaries: a peer session (cmd/lockstep-sim) and a relay
// (cmd/lockstep-relay).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/veldspire/lockstep-net/internal/netmgr"
	"gopkg.in/yaml.v3"
)

// Network Manager option defaults and clamps. Config errors for these
// specific fields never fail the load — they silently revert to the
// default instead of surfacing an exception.
const (
	defaultFrameRate                       = 30
	minFrameRate                           = 1
	maxFrameRate                           = 300
	defaultRunAhead                        = 30
	defaultDisconnectTimeoutMs             = 10000
	defaultDisconnectPlayerTimeoutMs       = 60000
	defaultDisconnectScreenNotifyTimeoutMs = 15000
	defaultDisconnectKeepAliveIntervalMs   = 500
)

// SessionConfig is the full YAML configuration for one lockstep peer.
type SessionConfig struct {
	Session     SessionInfo     `yaml:"session"`
	Local       LocalPlayer     `yaml:"local"`
	Frame       FrameInfo       `yaml:"frame"`
	Disconnect  Disconnect      `yaml:"disconnect"`
	Relay       RelayAddr       `yaml:"relay"`
	TLS         TLSClient       `yaml:"tls"`
	Logging     LoggingInfo     `yaml:"logging"`
	Diagnostics DiagnosticsInfo `yaml:"diagnostics"`
}

// SessionInfo names the match this peer is joining.
type SessionInfo struct {
	Name string `yaml:"name"`
}

// LocalPlayer identifies the local peer within the game's slot table.
type LocalPlayer struct {
	PlayerID          uint8  `yaml:"player_id"`
	PlayerName        string `yaml:"player_name"`
	ForceSinglePlayer bool   `yaml:"force_single_player"`
}

// FrameInfo controls the local frame pacing and runahead window.
type FrameInfo struct {
	Rate     uint32 `yaml:"rate"`      // ticks/sec, [1, 300]; 0 or out of range reverts to 30
	RunAhead uint32 `yaml:"run_ahead"` // default 30
}

// Disconnect controls the stall/keep-alive/eviction timers.
type Disconnect struct {
	TimeoutMs             uint32 `yaml:"timeout_ms"`
	PlayerTimeoutMs       uint32 `yaml:"player_timeout_ms"`
	ScreenNotifyTimeoutMs uint32 `yaml:"screen_notify_timeout_ms"`
	KeepAliveIntervalMs   uint32 `yaml:"keep_alive_interval_ms"`
}

// RelayAddr is where this peer dials to reach its packet-router relay.
// EgressBps caps this link's outbound rate; 0 disables shaping.
type RelayAddr struct {
	Address   string `yaml:"address"`
	EgressBps int64  `yaml:"egress_bps"`
}

// TLSClient holds the mTLS certificate paths used to dial a relay.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LoggingInfo controls the session's slog output.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DiagnosticsInfo gates desync-bundle generation: when a session's sticky
// CRC-mismatch flag first flips, a compressed bundle is written under
// LocalDir and optionally uploaded to an S3-compatible bucket.
type DiagnosticsInfo struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"` // gzip|zstd, default gzip
	LocalDir    string `yaml:"local_dir"`   // default ./desyncs
	S3Bucket    string `yaml:"s3_bucket"`   // empty disables upload
	S3Prefix    string `yaml:"s3_prefix"`   // default lockstep/
}

// LoadSessionConfig reads and normalizes a peer's YAML configuration file.
// Malformed YAML or an unreadable file is a hard error; out-of-range
// numeric tunables are not — they silently revert to their documented
// default.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session config: %w", err)
	}

	cfg := SessionConfig{Frame: FrameInfo{RunAhead: defaultRunAhead}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing session config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *SessionConfig) applyDefaults() {
	if c.Frame.Rate == 0 {
		c.Frame.Rate = defaultFrameRate
	}
	if c.Frame.Rate < minFrameRate || c.Frame.Rate > maxFrameRate {
		c.Frame.Rate = defaultFrameRate
	}
	// RunAhead has no upper bound; only a missing value reverts to the
	// default, since 0 is itself a legal runahead.

	if c.Disconnect.TimeoutMs == 0 {
		c.Disconnect.TimeoutMs = defaultDisconnectTimeoutMs
	}
	if c.Disconnect.PlayerTimeoutMs == 0 {
		c.Disconnect.PlayerTimeoutMs = defaultDisconnectPlayerTimeoutMs
	}
	if c.Disconnect.ScreenNotifyTimeoutMs == 0 {
		c.Disconnect.ScreenNotifyTimeoutMs = defaultDisconnectScreenNotifyTimeoutMs
	}
	if c.Disconnect.KeepAliveIntervalMs == 0 {
		c.Disconnect.KeepAliveIntervalMs = defaultDisconnectKeepAliveIntervalMs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Diagnostics.Compression != "gzip" && c.Diagnostics.Compression != "zstd" {
		c.Diagnostics.Compression = "gzip"
	}
	if c.Diagnostics.LocalDir == "" {
		c.Diagnostics.LocalDir = "./desyncs"
	}
	if c.Diagnostics.S3Prefix == "" {
		c.Diagnostics.S3Prefix = "lockstep/"
	}
}

// ManagerConfig converts the loaded file into the netmgr.Config the
// Network Manager is constructed with.
func (c *SessionConfig) ManagerConfig() netmgr.Config {
	return netmgr.Config{
		ForceSinglePlayer:               c.Local.ForceSinglePlayer,
		LocalPlayerID:                   c.Local.PlayerID,
		LocalPlayerName:                 c.Local.PlayerName,
		FrameRate:                       c.Frame.Rate,
		RunAhead:                        c.Frame.RunAhead,
		DisconnectTimeoutMs:             c.Disconnect.TimeoutMs,
		DisconnectPlayerTimeoutMs:       c.Disconnect.PlayerTimeoutMs,
		DisconnectScreenNotifyTimeoutMs: c.Disconnect.ScreenNotifyTimeoutMs,
		DisconnectKeepAliveIntervalMs:   c.Disconnect.KeepAliveIntervalMs,
	}
}

// ParseByteSize converts a human-readable size ("256mb", "1gb", a bare
// number of bytes) into a byte count. Used by relay.go for the replay
// archive's upload buffer sizing.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
