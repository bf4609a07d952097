// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package wire

import (
	"fmt"

	"github.com/veldspire/lockstep-net/internal/netcmd"
)

// wrapperHeaderSize is the fixed 22-byte chunk header: one u16
// followed by five u32 fields.
const wrapperHeaderSize = 2 + 4 + 4 + 4 + 4 + 4

// ErrInvalidWrapperChunk is returned when a chunk's header fields violate
// the bounds invariants (chunk index, offset/length, payload size).
var ErrInvalidWrapperChunk = fmt.Errorf("wire: wrapper chunk header out of bounds")

// WrapperChunkPayload is one fragment of a reassembled wrapped command.
// NumChunks == 0 identifies a zero-chunk keepalive no-op: the
// assembler must recognize and discard it without starting an assembly.
type WrapperChunkPayload struct {
	WrappedCommandID uint16
	ChunkNumber      uint32
	NumChunks        uint32
	TotalDataLength  uint32
	DataLength       uint32
	DataOffset       uint32
	Data             []byte
}

func (WrapperChunkPayload) Kind() netcmd.Kind { return netcmd.Wrapper }

func (p WrapperChunkPayload) encode(w *writer) {
	w.writeU16(p.WrappedCommandID)
	w.writeU32(p.ChunkNumber)
	w.writeU32(p.NumChunks)
	w.writeU32(p.TotalDataLength)
	w.writeU32(p.DataLength)
	w.writeU32(p.DataOffset)
	w.writeBytes(p.Data)
}

// IsNoOp reports whether the chunk is the zero-chunk keepalive variant that
// carries no assembly data and must never be fed to the assembler.
func (p WrapperChunkPayload) IsNoOp() bool {
	return p.NumChunks == 0 && p.ChunkNumber == 0 && p.DataLength == 0 &&
		p.TotalDataLength == 0 && p.DataOffset == 0 && len(p.Data) == 0
}

// decodeWrapperChunkPayload parses the fixed 22-byte header and trailing
// data for a wrapper-kind inner command. The zero-chunk no-op shape is
// decoded successfully (callers check IsNoOp) since it is a valid, if
// inert, wire shape rather than a malformed one. payloadSize for the
// "22 + dataLength ≤ payloadSize" bound is the size of the D section
// itself: header plus however many bytes follow it.
func decodeWrapperChunkPayload(c *cursor) (Payload, error) {
	payloadSize := uint32(c.remaining())

	wrappedID, err := c.readU16()
	if err != nil {
		return nil, err
	}
	chunkNumber, err := c.readU32()
	if err != nil {
		return nil, err
	}
	numChunks, err := c.readU32()
	if err != nil {
		return nil, err
	}
	totalDataLength, err := c.readU32()
	if err != nil {
		return nil, err
	}
	dataLength, err := c.readU32()
	if err != nil {
		return nil, err
	}
	dataOffset, err := c.readU32()
	if err != nil {
		return nil, err
	}
	data, err := c.readBytes(c.remaining())
	if err != nil {
		return nil, err
	}

	p := WrapperChunkPayload{
		WrappedCommandID: wrappedID,
		ChunkNumber:      chunkNumber,
		NumChunks:        numChunks,
		TotalDataLength:  totalDataLength,
		DataLength:       dataLength,
		DataOffset:       dataOffset,
		Data:             append([]byte(nil), data...),
	}

	if p.IsNoOp() {
		return p, nil
	}
	if chunkNumber >= numChunks {
		return nil, ErrInvalidWrapperChunk
	}
	if dataOffset > totalDataLength || dataLength > totalDataLength-dataOffset {
		return nil, ErrInvalidWrapperChunk
	}
	if uint32(wrapperHeaderSize)+dataLength > payloadSize {
		return nil, ErrInvalidWrapperChunk
	}
	p.Data = p.Data[:dataLength]
	return p, nil
}
