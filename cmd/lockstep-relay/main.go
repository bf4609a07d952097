// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Command lockstep-relay runs the packet-router relay hub peers dial to
// reach each other: an mTLS-fronted forwarder with no kernel logic of its
// own, optionally archiving forwarded traffic to S3 for post-game replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/veldspire/lockstep-net/internal/config"
	"github.com/veldspire/lockstep-net/internal/diagnostics"
	"github.com/veldspire/lockstep-net/internal/logging"
	"github.com/veldspire/lockstep-net/internal/relay"
)

func main() {
	configPath := flag.String("config", "/etc/lockstep/relay.yaml", "path to relay config file")
	flag.Parse()

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	dscp, err := relay.ParseDSCP(cfg.QoS.DSCP)
	if err != nil {
		logger.Error("invalid qos.dscp", "error", err)
		os.Exit(1)
	}
	if !cfg.QoS.Enabled {
		dscp = 0
	}

	var recorder *relay.ReplayBuffer
	var uploader *relay.ReplayUploader
	var maintenance *relay.Maintenance

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Replay.Enabled {
		replayDir := filepath.Join(os.TempDir(), "lockstep-relay-replay")
		recorder, err = relay.NewReplayBuffer(replayDir, cfg.Replay.MaxBufferBytes, cfg.Replay.CompressionMode)
		if err != nil {
			logger.Error("failed to open replay buffer", "error", err)
			os.Exit(1)
		}

		uploader, err = relay.NewReplayUploader(ctx, cfg.Replay.Bucket, cfg.Replay.Prefix, relay.UploaderOptions{
			AccessKey: cfg.Replay.AccessKey,
			SecretKey: cfg.Replay.SecretKey,
			Endpoint:  cfg.Replay.Endpoint,
		})
		if err != nil {
			logger.Error("failed to configure replay uploader", "error", err)
			os.Exit(1)
		}

		maintenance, err = relay.NewMaintenance(cfg.Replay.UploadSchedule, recorder, uploader, 100, logger)
		if err != nil {
			logger.Error("failed to schedule replay maintenance", "error", err)
			os.Exit(1)
		}
		maintenance.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			maintenance.Stop(stopCtx)
		}()
	}

	server := relay.NewServer(relay.ServerConfig{
		Listen:         cfg.Server.Listen,
		CACertPath:     cfg.TLS.CACert,
		ServerCertPath: cfg.TLS.ServerCert,
		ServerKeyPath:  cfg.TLS.ServerKey,
		MaxSlots:       cfg.MaxSlots,
		DSCP:           dscp,
	}, recorder, logger)

	// Host-only telemetry: the relay runs no kernel of its own.
	reporter := diagnostics.NewSessionReporter(nil, logger)
	reporter.Start()
	defer reporter.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		logger.Error("relay error", "error", err)
		os.Exit(1)
	}
}
