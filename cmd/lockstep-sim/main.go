// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Command lockstep-sim runs one peer's lockstep session: it loads a
// session config, dials a packet-router relay over mTLS, and drives the
// Network Manager's frame loop until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/veldspire/lockstep-net/internal/config"
	"github.com/veldspire/lockstep-net/internal/diagnostics"
	"github.com/veldspire/lockstep-net/internal/logging"
	"github.com/veldspire/lockstep-net/internal/netmgr"
	"github.com/veldspire/lockstep-net/internal/relay"
)

func main() {
	configPath := flag.String("config", "/etc/lockstep/session.yaml", "path to session config file")
	matchLogDir := flag.String("match-log-dir", "", "directory for per-match debug logs (empty disables)")
	downloadDir := flag.String("download-dir", "", "directory to stage received file transfers into (empty disables)")
	flag.Parse()

	cfg, err := config.LoadSessionConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	matchID := time.Now().UTC().Format("20060102T150405")
	matchLogger, matchLogCloser, matchLogPath, err := logging.NewMatchLogger(logger, *matchLogDir, cfg.Local.PlayerName, matchID)
	if err != nil {
		logger.Error("failed to open match log", "error", err)
		os.Exit(1)
	}
	defer matchLogCloser.Close()
	if matchLogPath != "" {
		matchLogger.Info("match log opened", "path", matchLogPath)
	}

	manager := netmgr.New(cfg.ManagerConfig())

	link := relay.NewPeerLink(relay.PeerLinkConfig{
		RelayAddress: cfg.Relay.Address,
		Slot:         cfg.Local.PlayerID,
		CACertPath:   cfg.TLS.CACert,
		CertPath:     cfg.TLS.ClientCert,
		KeyPath:      cfg.TLS.ClientKey,
		EgressBpsCap: cfg.Relay.EgressBps,
	}, matchLogger)

	// The Manager is single-threaded by contract, so frames received on
	// the link's read goroutine are funneled through a channel and drained
	// on the same goroutine that drives Update.
	inbox := make(chan inboundFrame, 1024)
	link.SetReceiveFunc(func(payload []byte, senderSlot uint8) {
		select {
		case inbox <- inboundFrame{payload: payload, sender: senderSlot}:
		default:
			matchLogger.Warn("inbound queue full, dropping frame", "sender", senderSlot)
		}
	})
	manager.SetTransport(link)
	link.Start()
	defer link.Stop()

	manager.AddPlayer(cfg.Local.PlayerID, time.Now())

	if *downloadDir != "" {
		if err := os.MkdirAll(*downloadDir, 0755); err != nil {
			matchLogger.Error("failed to create download directory", "error", err)
			os.Exit(1)
		}
		manager.OnFileData = func(sender uint8, path string, data []byte) {
			stageFileTransfer(matchLogger, *downloadDir, sender, path, data)
		}
	}

	reporter := diagnostics.NewSessionReporter(func() diagnostics.KernelSnapshot {
		return diagnostics.KernelSnapshot{
			GameFrame:          manager.GameFrame(),
			ConnectedPeers:     len(manager.ConnectedSlots()),
			CRCMismatch:        manager.SawCRCMismatch(),
			FrameCountMismatch: manager.SawFrameCommandCountMismatch(),
		}
	}, matchLogger)
	reporter.Start()
	defer reporter.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bundleUploader diagnostics.Uploader
	if cfg.Diagnostics.Enabled && cfg.Diagnostics.S3Bucket != "" {
		up, err := relay.NewReplayUploader(ctx, cfg.Diagnostics.S3Bucket, cfg.Diagnostics.S3Prefix, relay.UploaderOptions{})
		if err != nil {
			matchLogger.Error("failed to configure desync bundle uploader", "error", err)
			os.Exit(1)
		}
		bundleUploader = up
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		matchLogger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	desyncReported := false
	runFrameLoop(ctx, manager, inbox, cfg.Frame.Rate, func() {
		if desyncReported || !cfg.Diagnostics.Enabled || !manager.SawCRCMismatch() {
			return
		}
		desyncReported = true
		bundle := diagnostics.Bundle{
			GeneratedAt:        time.Now(),
			SessionName:        cfg.Session.Name,
			LocalSlot:          cfg.Local.PlayerID,
			GameFrame:          manager.GameFrame(),
			MismatchFrames:     manager.DeterministicFrameHashMismatchFrames(),
			FrameCountMismatch: manager.SawFrameCommandCountMismatch(),
			ConnectedSlots:     manager.ConnectedSlots(),
			Host:               diagnostics.CollectHostStats(matchLogger),
		}
		path, err := diagnostics.Report(ctx, cfg.Diagnostics.LocalDir, bundle, cfg.Diagnostics.Compression, bundleUploader)
		if err != nil {
			matchLogger.Error("desync bundle report failed", "error", err, "path", path)
			return
		}
		matchLogger.Warn("desync detected, bundle written", "path", path, "frames", bundle.MismatchFrames)
	})
	matchLogger.Info("session ended", "final_frame", manager.GameFrame())
}

// stageFileTransfer writes a received FILE payload under downloadDir. The
// path field is peer-controlled, so only its base name is trusted, and
// only after the same traversal checks the relay applies to its own
// on-disk staging.
func stageFileTransfer(logger *slog.Logger, downloadDir string, sender uint8, path string, data []byte) {
	name := filepath.Base(path)
	if err := relay.ValidatePathComponent(name, "file name"); err != nil {
		logger.Warn("rejecting file transfer", "sender", sender, "path", path, "error", err)
		return
	}
	target := filepath.Join(downloadDir, name)
	if err := relay.ValidatePathInBaseDir(downloadDir, target); err != nil {
		logger.Warn("rejecting file transfer", "sender", sender, "path", path, "error", err)
		return
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		logger.Error("staging file transfer failed", "path", target, "error", err)
		return
	}
	logger.Info("file transfer staged", "sender", sender, "path", target, "bytes", len(data))
}

// inboundFrame is one relay-delivered packet waiting for the frame loop.
type inboundFrame struct {
	payload []byte
	sender  uint8
}

func runFrameLoop(ctx context.Context, manager *netmgr.Manager, inbox <-chan inboundFrame, frameRate uint32, afterTick func()) {
	if frameRate == 0 {
		frameRate = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-inbox:
			manager.ProcessIncomingCommand(f.payload, f.sender, time.Now())
		case now := <-ticker.C:
			manager.Update(now)
			afterTick()
		}
	}
}
