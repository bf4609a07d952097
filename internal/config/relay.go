// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig is the full YAML configuration for cmd/lockstep-relay: the
// dumb packet hub peers dial to exchange framed commands. The relay does
// not run the deterministic kernel itself — it only forwards bytes per
// relay mask and, optionally, archives a session's traffic for replay.
type RelayConfig struct {
	Server   ServerListen `yaml:"server"`
	TLS      TLSServer    `yaml:"tls"`
	MaxSlots int          `yaml:"max_slots"` // default 16, clamped [1,16]
	QoS      QoSConfig    `yaml:"qos"`
	Replay   ReplayConfig `yaml:"replay"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// ServerListen is the relay's listen address.
type ServerListen struct {
	Listen string `yaml:"listen"`
}

// TLSServer holds the mTLS certificate paths the relay presents to peers.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// QoSConfig marks outbound relay sockets with a DSCP code point so
// keep-alive and command traffic gets prioritized ahead of bulk file
// transfers on a congested link.
type QoSConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSCP    string `yaml:"dscp"` // e.g. "EF", "AF41"; default "EF"
}

// ReplayConfig controls periodic upload of the relay's archived session
// traffic to S3 for post-game review.
type ReplayConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	UploadSchedule  string `yaml:"upload_schedule"` // cron expression, default "@every 5m"
	MaxBufferSize   string `yaml:"max_buffer_size"` // e.g. "64mb"
	MaxBufferBytes  int64  `yaml:"-"`
	CompressionMode string `yaml:"compression_mode"` // gzip|zstd, default gzip

	// Optional S3 overrides; empty values fall back to the default AWS
	// credential chain and endpoint.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

// LoadRelayConfig reads and validates the relay's YAML configuration file.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading relay config: %w", err)
	}

	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing relay config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating relay config: %w", err)
	}
	return &cfg, nil
}

func (c *RelayConfig) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.TLS.CACert == "" || c.TLS.ServerCert == "" || c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.ca_cert, tls.server_cert and tls.server_key are all required")
	}

	if c.MaxSlots <= 0 || c.MaxSlots > 16 {
		c.MaxSlots = 16
	}

	if c.QoS.DSCP == "" {
		c.QoS.DSCP = "EF"
	}

	if c.Replay.Enabled {
		if c.Replay.Bucket == "" {
			return fmt.Errorf("replay.bucket is required when replay is enabled")
		}
		if c.Replay.UploadSchedule == "" {
			c.Replay.UploadSchedule = "@every 5m"
		}
		if c.Replay.CompressionMode == "" {
			c.Replay.CompressionMode = "gzip"
		}
		c.Replay.CompressionMode = strings.ToLower(strings.TrimSpace(c.Replay.CompressionMode))
		if c.Replay.CompressionMode != "gzip" && c.Replay.CompressionMode != "zstd" {
			return fmt.Errorf("replay.compression_mode must be gzip or zstd, got %q", c.Replay.CompressionMode)
		}
		if c.Replay.MaxBufferSize == "" {
			c.Replay.MaxBufferSize = "64mb"
		}
		parsed, err := ParseByteSize(c.Replay.MaxBufferSize)
		if err != nil {
			return fmt.Errorf("replay.max_buffer_size: %w", err)
		}
		c.Replay.MaxBufferBytes = parsed
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// UploadInterval best-effort-parses a "@every Xs/m/h" cron schedule into a
// plain time.Duration for callers that just want a ticker period rather
// than full cron semantics (the relay's own scheduling goes through
// robfig/cron directly; this is a convenience for tests and dry runs).
func (c ReplayConfig) UploadInterval(fallback time.Duration) time.Duration {
	spec := strings.TrimPrefix(c.UploadSchedule, "@every ")
	if spec == c.UploadSchedule {
		return fallback
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return fallback
	}
	return d
}
