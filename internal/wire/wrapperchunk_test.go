// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package wire

import (
	"reflect"
	"testing"

	"github.com/veldspire/lockstep-net/internal/netcmd"
)

func TestRoundTripWrapperChunk(t *testing.T) {
	data := []byte{9, 8, 7, 6}
	chunk := WrapperChunkPayload{
		WrappedCommandID: 200,
		ChunkNumber:      1,
		NumChunks:        3,
		TotalDataLength:  12,
		DataLength:       uint32(len(data)),
		DataOffset:       4,
		Data:             data,
	}
	cmd := &Command{Type: netcmd.Wrapper, Payload: chunk}
	buf := Encode(cmd)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p, ok := got.Payload.(WrapperChunkPayload)
	if !ok {
		t.Fatalf("got payload type %T, want WrapperChunkPayload", got.Payload)
	}
	if p.WrappedCommandID != chunk.WrappedCommandID || p.ChunkNumber != chunk.ChunkNumber ||
		p.NumChunks != chunk.NumChunks || p.DataOffset != chunk.DataOffset ||
		p.TotalDataLength != chunk.TotalDataLength || !reflect.DeepEqual(p.Data, data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", p, chunk)
	}
	if p.IsNoOp() {
		t.Fatalf("expected non-zero chunk to not be a no-op")
	}
}

func TestZeroChunkIsNoOp(t *testing.T) {
	chunk := WrapperChunkPayload{}
	cmd := &Command{Type: netcmd.Wrapper, Payload: chunk}
	buf := Encode(cmd)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p := got.Payload.(WrapperChunkPayload)
	if !p.IsNoOp() {
		t.Fatalf("expected zero-chunk payload to be a no-op")
	}
}

func TestWrapperChunkNumberOutOfRange(t *testing.T) {
	chunk := WrapperChunkPayload{
		ChunkNumber: 3,
		NumChunks:   3, // chunkNumber must be < numChunks
	}
	cmd := &Command{Type: netcmd.Wrapper, Payload: chunk}
	buf := Encode(cmd)
	if _, err := Decode(buf); err != ErrInvalidWrapperChunk {
		t.Fatalf("Decode = %v, want ErrInvalidWrapperChunk", err)
	}
}

func TestWrapperChunkOffsetOverflowsTotal(t *testing.T) {
	chunk := WrapperChunkPayload{
		ChunkNumber:     0,
		NumChunks:       2,
		TotalDataLength: 12, // 10+5 > 12
		DataLength:      5,
		DataOffset:      10,
		Data:            make([]byte, 5),
	}
	cmd := &Command{Type: netcmd.Wrapper, Payload: chunk}
	buf := Encode(cmd)
	if _, err := Decode(buf); err != ErrInvalidWrapperChunk {
		t.Fatalf("Decode = %v, want ErrInvalidWrapperChunk", err)
	}
}

func TestWrapperChunkDataExceedsPayload(t *testing.T) {
	// Declares 5 data bytes but carries only 2, so 22 + dataLength runs
	// past the actual payload size.
	chunk := WrapperChunkPayload{
		ChunkNumber:     0,
		NumChunks:       1,
		TotalDataLength: 5,
		DataLength:      5,
		DataOffset:      0,
		Data:            []byte{1, 2},
	}
	cmd := &Command{Type: netcmd.Wrapper, Payload: chunk}
	buf := Encode(cmd)
	if _, err := Decode(buf); err != ErrInvalidWrapperChunk {
		t.Fatalf("Decode = %v, want ErrInvalidWrapperChunk", err)
	}
}

func TestWrapperChunkTrimsTrailingPadding(t *testing.T) {
	// A transport may pad the chunk; only DataLength bytes count.
	chunk := WrapperChunkPayload{
		ChunkNumber:     0,
		NumChunks:       1,
		TotalDataLength: 3,
		DataLength:      3,
		DataOffset:      0,
		Data:            []byte{1, 2, 3, 0xFF},
	}
	cmd := &Command{Type: netcmd.Wrapper, Payload: chunk}
	buf := Encode(cmd)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p := got.Payload.(WrapperChunkPayload)
	if !reflect.DeepEqual(p.Data, []byte{1, 2, 3}) {
		t.Fatalf("Data = %v, want trailing padding trimmed to declared DataLength", p.Data)
	}
}
