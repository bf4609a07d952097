// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
)

// Bundle is a point-in-time desync report: the kernel state an engineer
// needs to start diagnosing a divergence, plus host health at the moment
// it was noticed, so "peer desynced" and "host starved" are separable
// offline.
type Bundle struct {
	GeneratedAt        time.Time `json:"generated_at"`
	SessionName        string    `json:"session_name"`
	LocalSlot          uint8     `json:"local_slot"`
	GameFrame          uint32    `json:"game_frame"`
	MismatchFrames     []uint32  `json:"mismatch_frames"`
	FrameCountMismatch bool      `json:"frame_count_mismatch"`
	ConnectedSlots     []uint8   `json:"connected_slots"`
	Host               HostStats `json:"host"`
}

// Uploader pushes a written bundle to remote storage. *relay.ReplayUploader
// satisfies it; nil means local-only.
type Uploader interface {
	Upload(ctx context.Context, localPath string) error
}

// WriteBundle serializes b as compressed JSON under dir, using the
// write-to-temp-then-rename discipline so a crash mid-write never leaves a
// truncated bundle under its final name. compression is "zstd" for the
// smaller encoding, anything else for gzip. Returns the final path.
func WriteBundle(dir string, b Bundle, compression string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating desync bundle directory: %w", err)
	}

	ext := ".json.gz"
	if compression == "zstd" {
		ext = ".json.zst"
	}
	finalPath := filepath.Join(dir, fmt.Sprintf("desync-%s-frame%d%s",
		b.GeneratedAt.UTC().Format("20060102T150405"), b.GameFrame, ext))

	tmp, err := os.CreateTemp(dir, "desync-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating desync bundle temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := writeCompressedJSON(tmp, b, compression); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing desync bundle: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("promoting desync bundle: %w", err)
	}
	return finalPath, nil
}

func writeCompressedJSON(f *os.File, b Bundle, compression string) error {
	if compression == "zstd" {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if err := json.NewEncoder(zw).Encode(b); err != nil {
			zw.Close()
			return fmt.Errorf("encoding desync bundle: %w", err)
		}
		return zw.Close()
	}

	gw := gzip.NewWriter(f)
	if err := json.NewEncoder(gw).Encode(b); err != nil {
		gw.Close()
		return fmt.Errorf("encoding desync bundle: %w", err)
	}
	return gw.Close()
}

// Report writes b under dir and, when up is non-nil, pushes the written
// bundle to remote storage. Failures are returned for the caller to log;
// nothing here panics or blocks the kernel, which has already moved on by
// the time a bundle is requested.
func Report(ctx context.Context, dir string, b Bundle, compression string, up Uploader) (string, error) {
	path, err := WriteBundle(dir, b, compression)
	if err != nil {
		return "", err
	}
	if up != nil {
		if err := up.Upload(ctx, path); err != nil {
			return path, fmt.Errorf("uploading desync bundle: %w", err)
		}
	}
	return path, nil
}
