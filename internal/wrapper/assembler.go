// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package wrapper reassembles fragmented "wrapper" command payloads,
// indexed by wrapped-command id, into the complete inner-command buffer
// internal/wire can decode.
package wrapper

import "github.com/veldspire/lockstep-net/internal/wire"

// assembly is one in-progress reassembly. ExpectedChunks and TotalLength
// are fixed at allocation time from the first chunk seen for this id and
// are never replaced by a later chunk's (possibly differing) claims.
type assembly struct {
	ExpectedChunks uint32
	TotalLength    uint32
	Buffer         []byte
	receivedLen    map[uint32]uint32 // chunk index -> the data length it was first recorded with
}

// Assembler reassembles wrapper chunks keyed by wrapped-command id.
// It owns no transport and performs no parsing of the reassembled buffer;
// the caller decodes the returned bytes via wire.Decode.
type Assembler struct {
	assemblies map[uint16]*assembly
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{assemblies: make(map[uint16]*assembly)}
}

// AddChunk folds chunk into its assembly. It returns (body, true) exactly
// once per wrappedCommandId, the moment the last expected chunk arrives;
// otherwise it returns (nil, false), including for zero-chunk no-ops,
// duplicate chunk indices (first write wins), and chunks whose index or
// offset/length fall outside the assembly's established bounds (dropped
// silently, never disturbing the assembly). A chunk that carries a known
// command id but a changed NumChunks/TotalDataLength is validated against
// the assembly's original values, not its own.
func (a *Assembler) AddChunk(chunk wire.WrapperChunkPayload) ([]byte, bool) {
	if chunk.IsNoOp() {
		return nil, false
	}

	asm, exists := a.assemblies[chunk.WrappedCommandID]
	if !exists {
		asm = &assembly{
			ExpectedChunks: chunk.NumChunks,
			TotalLength:    chunk.TotalDataLength,
			Buffer:         make([]byte, chunk.TotalDataLength),
			receivedLen:    make(map[uint32]uint32),
		}
		a.assemblies[chunk.WrappedCommandID] = asm
	}

	chunkNumber := chunk.ChunkNumber
	if chunkNumber >= asm.ExpectedChunks {
		return nil, false
	}
	end := chunk.DataOffset + uint32(len(chunk.Data))
	if end > asm.TotalLength {
		return nil, false
	}
	if _, dup := asm.receivedLen[chunkNumber]; dup {
		return nil, false
	}

	copy(asm.Buffer[chunk.DataOffset:end], chunk.Data)
	asm.receivedLen[chunkNumber] = uint32(len(chunk.Data))

	if uint32(len(asm.receivedLen)) < asm.ExpectedChunks {
		return nil, false
	}
	delete(a.assemblies, chunk.WrappedCommandID)
	return asm.Buffer, true
}

// Pending reports how many chunks have been received for an in-progress
// assembly, or (0, false) if no assembly for id exists.
func (a *Assembler) Pending(id uint16) (int, bool) {
	asm, ok := a.assemblies[id]
	if !ok {
		return 0, false
	}
	return len(asm.receivedLen), true
}
