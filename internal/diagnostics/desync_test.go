// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package diagnostics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
)

func sampleBundle() Bundle {
	return Bundle{
		GeneratedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		SessionName:    "skirmish-01",
		LocalSlot:      0,
		GameFrame:      240,
		MismatchFrames: []uint32{238, 239},
		ConnectedSlots: []uint8{0, 1, 2},
	}
}

func TestWriteBundleGzipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteBundle(dir, sampleBundle(), "gzip")
	if err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if !strings.HasSuffix(path, ".json.gz") {
		t.Fatalf("path = %q, want .json.gz suffix", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening bundle: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var got Bundle
	if err := json.NewDecoder(gr).Decode(&got); err != nil {
		t.Fatalf("decoding bundle: %v", err)
	}
	if got.GameFrame != 240 || len(got.MismatchFrames) != 2 || got.MismatchFrames[0] != 238 {
		t.Fatalf("decoded bundle = %+v", got)
	}
}

func TestWriteBundleZstd(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteBundle(dir, sampleBundle(), "zstd")
	if err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if !strings.HasSuffix(path, ".json.zst") {
		t.Fatalf("path = %q, want .json.zst suffix", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening bundle: %v", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()
	var got Bundle
	if err := json.NewDecoder(zr).Decode(&got); err != nil {
		t.Fatalf("decoding bundle: %v", err)
	}
	if got.SessionName != "skirmish-01" {
		t.Fatalf("decoded bundle = %+v", got)
	}
}

func TestWriteBundleLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteBundle(dir, sampleBundle(), "gzip"); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading bundle dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file %q survived a successful write", e.Name())
		}
	}
}

type fakeUploader struct {
	uploaded []string
	err      error
}

func (f *fakeUploader) Upload(ctx context.Context, localPath string) error {
	f.uploaded = append(f.uploaded, localPath)
	return f.err
}

func TestReportUploadsWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	path, err := Report(context.Background(), dir, sampleBundle(), "gzip", up)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(up.uploaded) != 1 || up.uploaded[0] != path {
		t.Fatalf("uploaded = %v, want exactly the written path %q", up.uploaded, path)
	}
}
