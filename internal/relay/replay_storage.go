// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
)

// ReplayBuffer accumulates every frame the relay forwards into a segment
// file, written atomically (tmp file → rename) the same way a backup
// write is committed: buffer locally first, promote on rotation, never
// leave a half-written segment under its final name.
type ReplayBuffer struct {
	mu       sync.Mutex
	dir      string
	cur      *os.File
	curPath  string
	written  int64
	maxBytes int64
	mode     string // "gzip" or "zstd"
}

// NewReplayBuffer creates a ReplayBuffer writing segments under dir.
// compressionMode selects how rotated segments are compressed: "zstd"
// for the smaller encoding, anything else (normally "gzip") for the
// default parallel-gzip path.
func NewReplayBuffer(dir string, maxBytes int64, compressionMode string) (*ReplayBuffer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating replay directory: %w", err)
	}
	rb := &ReplayBuffer{dir: dir, maxBytes: maxBytes, mode: compressionMode}
	if err := rb.openSegment(); err != nil {
		return nil, err
	}
	return rb, nil
}

func (rb *ReplayBuffer) openSegment() error {
	f, err := os.CreateTemp(rb.dir, "replay-*.tmp")
	if err != nil {
		return fmt.Errorf("creating replay segment: %w", err)
	}
	rb.cur = f
	rb.curPath = f.Name()
	rb.written = 0
	return nil
}

// Append writes one relayed frame (game frame number, relay mask,
// payload) to the current segment. Returns true if the segment has
// crossed its size budget and a caller should call Rotate soon.
func (rb *ReplayBuffer) Append(gameFrame uint32, relayMask uint32, payload []byte) (bool, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:4], gameFrame)
	binary.LittleEndian.PutUint32(header[4:8], relayMask)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))

	n1, err := rb.cur.Write(header)
	if err != nil {
		return false, fmt.Errorf("writing replay frame header: %w", err)
	}
	n2, err := rb.cur.Write(payload)
	if err != nil {
		return false, fmt.Errorf("writing replay frame payload: %w", err)
	}
	rb.written += int64(n1 + n2)

	return rb.maxBytes > 0 && rb.written >= rb.maxBytes, nil
}

// Rotate closes the current segment, compresses it under a timestamped
// final name (zstd to .replay.zst when the mode is "zstd", otherwise gzip
// to .replay.gz), and opens a fresh segment for subsequent
// Append calls. Returns the compressed file's path, or "" if the
// segment was empty.
func (rb *ReplayBuffer) Rotate() (string, error) {
	rb.mu.Lock()
	tmpPath := rb.curPath
	empty := rb.written == 0
	closeErr := rb.cur.Close()
	rb.mu.Unlock()

	if closeErr != nil {
		return "", fmt.Errorf("closing replay segment: %w", closeErr)
	}

	if empty {
		os.Remove(tmpPath)
		rb.mu.Lock()
		err := rb.openSegment()
		rb.mu.Unlock()
		return "", err
	}

	ext := ".replay.gz"
	if rb.mode == "zstd" {
		ext = ".replay.zst"
	}
	timestamp := strings.ReplaceAll(time.Now().UTC().Format("2006-01-02T15-04-05.000"), ".", "-")
	finalPath := filepath.Join(rb.dir, timestamp+ext)

	if err := compressFile(tmpPath, finalPath, rb.mode); err != nil {
		return "", err
	}
	os.Remove(tmpPath)

	rb.mu.Lock()
	err := rb.openSegment()
	rb.mu.Unlock()
	if err != nil {
		return "", err
	}

	return finalPath, nil
}

func compressFile(srcPath, dstPath, mode string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening replay segment for compression: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("creating compressed replay segment: %w", err)
	}
	defer dst.Close()

	if mode == "zstd" {
		zw, err := zstd.NewWriter(dst)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if _, err := io.Copy(zw, src); err != nil {
			zw.Close()
			return fmt.Errorf("compressing replay segment: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("closing zstd writer: %w", err)
		}
		return nil
	}

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return fmt.Errorf("compressing replay segment: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}
	return nil
}

// RotateOldSegments deletes compressed segments in dir beyond the
// maxSegments most recent, mirroring a backup retention sweep.
func RotateOldSegments(dir string, maxSegments int) error {
	if maxSegments <= 0 {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading replay directory: %w", err)
	}

	var segments []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".replay.gz") || strings.HasSuffix(e.Name(), ".replay.zst") {
			segments = append(segments, e.Name())
		}
	}
	sort.Strings(segments)

	if len(segments) > maxSegments {
		for _, name := range segments[:len(segments)-maxSegments] {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("removing old replay segment %s: %w", name, err)
			}
		}
	}
	return nil
}

// ReplayUploader pushes compressed replay segments to an S3 bucket so a
// match can be replayed or audited after the relay process exits.
type ReplayUploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// UploaderOptions carry the optional S3 connection overrides: static
// credentials for buckets outside the default credential chain, and a
// custom endpoint for S3-compatible storage (MinIO, Ceph RGW).
type UploaderOptions struct {
	AccessKey string
	SecretKey string
	Endpoint  string
}

// NewReplayUploader builds an S3 client. With empty UploaderOptions it
// uses the default AWS credential chain (environment, shared config, or
// instance role); static keys and a custom endpoint override that for
// S3-compatible deployments.
func NewReplayUploader(ctx context.Context, bucket, prefix string, opts UploaderOptions) (*ReplayUploader, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &ReplayUploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Upload pushes the compressed segment at localPath to the bucket under
// prefix/basename, then removes the local copy on success.
func (ru *ReplayUploader) Upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening replay segment for upload: %w", err)
	}
	defer f.Close()

	key := strings.TrimPrefix(filepath.Join(ru.prefix, filepath.Base(localPath)), "/")

	if _, err := ru.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(ru.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading replay segment to s3://%s/%s: %w", ru.bucket, key, err)
	}

	return os.Remove(localPath)
}
