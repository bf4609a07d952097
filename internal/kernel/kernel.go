// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package kernel implements the deterministic state kernel: the per-frame
// command queue, the frame-hash and game-logic-CRC ledgers, and mismatch
// detection that the rest of the network stack is built around. It never
// spawns a goroutine or takes a lock — callers own the sequencing.
package kernel

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"sort"
)

// DeterministicCommand is a queued, to-be-executed command. Payload is the
// command's already-encoded wire body (opaque to the kernel); only its
// bytes are folded into the frame hash, never interpreted.
type DeterministicCommand struct {
	Type      uint8
	Player    uint8
	Sort      int32
	Payload   []byte
	DedupeKey string
}

// SectionWriter streams one game-logic CRC section's bytes into acc. The
// four sections (objects, partition-manager, player-list, ai) are invoked
// in that fixed order by ComputeGameLogicCrc.
type SectionWriter func(acc hash.Hash32) error

// ConsensusStatus is the outcome of comparing one frame's reported
// game-logic CRC values across the connection set.
type ConsensusStatus int

const (
	Pending ConsensusStatus = iota
	Match
	Mismatch
)

func (s ConsensusStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// ConsensusResult is the outcome of Consensus for one frame.
type ConsensusResult struct {
	Status              ConsensusStatus
	ValidatorCrc        uint32
	HasValidatorCrc     bool
	MismatchedPlayerIds []uint8
	MissingPlayerIds    []uint8
}

// Kernel owns the command queue and the frame-hash/game-logic-CRC ledgers.
// It is not safe for concurrent use; the owning Manager serializes all
// access; scheduling is single-threaded cooperative throughout.
type Kernel struct {
	queue []DeterministicCommand
	dedup map[string]struct{}

	localFrameHash  map[uint32]uint32
	remoteFrameHash map[uint32]map[uint8]uint32

	writers   []SectionWriter
	localCrc  map[uint32]uint32
	remoteCrc map[uint32]map[uint8]uint32

	crcMismatch    bool
	mismatchFrames []uint32
	mismatchSeen   map[uint32]struct{}
}

// New returns an empty kernel ready for use at the start of a game.
func New() *Kernel {
	return &Kernel{
		dedup:           make(map[string]struct{}),
		localFrameHash:  make(map[uint32]uint32),
		remoteFrameHash: make(map[uint32]map[uint8]uint32),
		localCrc:        make(map[uint32]uint32),
		remoteCrc:       make(map[uint32]map[uint8]uint32),
		mismatchSeen:    make(map[uint32]struct{}),
	}
}

// Reset wipes all per-session state back to New()'s shape; the kernel
// itself remains usable (the Manager-level reset vs. dispose split).
func (k *Kernel) Reset() {
	*k = *New()
}

// SetSectionWriters installs (or clears, with nil) the game-logic CRC
// section writers. Installing writers after remote CRC values have already
// been cached triggers retroactive reconciliation for every such frame.
func (k *Kernel) SetSectionWriters(writers []SectionWriter) {
	k.writers = writers
	if writers == nil {
		return
	}
	frames := make([]uint32, 0, len(k.remoteCrc))
	for f := range k.remoteCrc {
		if _, ok := k.localCrc[f]; !ok {
			frames = append(frames, f)
		}
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	for _, f := range frames {
		k.ComputeGameLogicCrc(f)
	}
}

// Enqueue appends cmd to the current frame's command queue unless its
// DedupeKey (when non-empty) already matches a queued command.
func (k *Kernel) Enqueue(cmd DeterministicCommand) bool {
	if cmd.DedupeKey != "" {
		if _, exists := k.dedup[cmd.DedupeKey]; exists {
			return false
		}
		k.dedup[cmd.DedupeKey] = struct{}{}
	}
	k.queue = append(k.queue, cmd)
	return true
}

// Queue returns the commands queued for the current frame, in arrival order.
func (k *Kernel) Queue() []DeterministicCommand {
	return k.queue
}

// ClearQueue empties the command queue and its dedup set. Called by the
// Manager at the end of every local tick, immediately before the frame
// counter advances.
func (k *Kernel) ClearQueue() {
	k.queue = nil
	k.dedup = make(map[string]struct{})
}

// canonicalFrameHash folds frame, the queue length, and each queued
// command's (type, player, sort, crc32(payload)) into a CRC-32/IEEE
// accumulator, in queue order. The exact byte order is an implementation
// choice, not a cross-implementation wire contract; only divergence between
// peers running this same implementation is guaranteed to be detected.
func canonicalFrameHash(frame uint32, queue []DeterministicCommand) uint32 {
	h := crc32.NewIEEE()
	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], frame)
	h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:], uint32(len(queue)))
	h.Write(buf[:])

	for _, cmd := range queue {
		h.Write([]byte{cmd.Type, cmd.Player})
		binary.LittleEndian.PutUint32(buf[:], uint32(cmd.Sort))
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:], payloadDigest(cmd.Payload))
		h.Write(buf[:])
	}
	return h.Sum32()
}

func payloadDigest(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// RecordLocalFrameHash computes and stores the local frame hash for frame
// from the current queue contents. Idempotent: a second call for the same
// frame returns the cached value without recomputing.
func (k *Kernel) RecordLocalFrameHash(frame uint32) uint32 {
	if h, ok := k.localFrameHash[frame]; ok {
		return h
	}
	h := canonicalFrameHash(frame, k.queue)
	k.localFrameHash[frame] = h
	k.reconcileFrameHash(frame)
	return h
}

// DeterministicFrameHash returns the local hash recorded for frame, if any.
func (k *Kernel) DeterministicFrameHash(frame uint32) (uint32, bool) {
	h, ok := k.localFrameHash[frame]
	return h, ok
}

// RecordRemoteFrameHash stores slot's reported hash for frame. If a local
// hash for frame is already known and differs, the sticky mismatch flag is
// raised and frame is recorded.
func (k *Kernel) RecordRemoteFrameHash(frame uint32, slot uint8, hash uint32) {
	if k.remoteFrameHash[frame] == nil {
		k.remoteFrameHash[frame] = make(map[uint8]uint32)
	}
	k.remoteFrameHash[frame][slot] = hash
	k.reconcileFrameHash(frame)
}

func (k *Kernel) reconcileFrameHash(frame uint32) {
	local, ok := k.localFrameHash[frame]
	if !ok {
		return
	}
	for _, remote := range k.remoteFrameHash[frame] {
		if remote != local {
			k.flagMismatch(frame)
			return
		}
	}
}

func (k *Kernel) flagMismatch(frame uint32) {
	k.crcMismatch = true
	if _, seen := k.mismatchSeen[frame]; seen {
		return
	}
	k.mismatchSeen[frame] = struct{}{}
	k.mismatchFrames = append(k.mismatchFrames, frame)
}

// SawCRCMismatch reports the sticky mismatch flag shared by the frame-hash
// and game-logic-CRC ledgers: any non-match flips it, from either path.
func (k *Kernel) SawCRCMismatch() bool {
	return k.crcMismatch
}

// DeterministicFrameHashMismatchFrames returns the frames recorded as
// mismatched, in the order they were first detected.
func (k *Kernel) DeterministicFrameHashMismatchFrames() []uint32 {
	return k.mismatchFrames
}

// ComputeGameLogicCrc runs the configured section writers, in fixed order
// (objects, partition-manager, player-list, ai), folding their output into
// one CRC-32/IEEE accumulator. Returns (0, false) if no writers are
// configured (the CRC is then unavailable). A writer error aborts the
// computation for this call only; no value is cached.
func (k *Kernel) ComputeGameLogicCrc(frame uint32) (uint32, bool) {
	if len(k.writers) == 0 {
		return 0, false
	}
	acc := crc32.NewIEEE()
	for _, w := range k.writers {
		if err := w(acc); err != nil {
			return 0, false
		}
	}
	crc := acc.Sum32()
	k.localCrc[frame] = crc
	k.reconcileGameLogicCrc(frame)
	return crc, true
}

// LocalGameLogicCrc returns the local game-logic CRC recorded for frame, if any.
func (k *Kernel) LocalGameLogicCrc(frame uint32) (uint32, bool) {
	v, ok := k.localCrc[frame]
	return v, ok
}

// RecordRemoteGameLogicCrc caches slot's reported game-logic CRC for frame,
// even when no local writers are configured yet. When a local value is (or
// later becomes) known and differs, the sticky mismatch flag is raised.
func (k *Kernel) RecordRemoteGameLogicCrc(frame uint32, slot uint8, crc uint32) {
	if k.remoteCrc[frame] == nil {
		k.remoteCrc[frame] = make(map[uint8]uint32)
	}
	k.remoteCrc[frame][slot] = crc
	k.reconcileGameLogicCrc(frame)
}

func (k *Kernel) reconcileGameLogicCrc(frame uint32) {
	local, ok := k.localCrc[frame]
	if !ok {
		return
	}
	for _, remote := range k.remoteCrc[frame] {
		if remote != local {
			k.flagMismatch(frame)
			return
		}
	}
}

// Consensus evaluates frame's game-logic CRC agreement across peers, the
// slots other than the local one that are currently connected.
func (k *Kernel) Consensus(frame uint32, peers []uint8) ConsensusResult {
	local, hasLocal := k.localCrc[frame]
	remote := k.remoteCrc[frame]

	var mismatched, missing []uint8
	for _, p := range peers {
		rv, ok := remote[p]
		if !ok {
			missing = append(missing, p)
			continue
		}
		if hasLocal && rv != local {
			mismatched = append(mismatched, p)
		}
	}

	status := Match
	if len(mismatched) > 0 {
		status = Mismatch
	} else if len(missing) > 0 || !hasLocal {
		status = Pending
	}

	return ConsensusResult{
		Status:              status,
		ValidatorCrc:        local,
		HasValidatorCrc:     hasLocal,
		MismatchedPlayerIds: mismatched,
		MissingPlayerIds:    missing,
	}
}

// PruneBefore discards every ledger entry, mismatch mark, and queued-command
// dedup history for frames strictly less than frame. Entries at or after
// frame are left untouched.
func (k *Kernel) PruneBefore(frame uint32) {
	for f := range k.localFrameHash {
		if f < frame {
			delete(k.localFrameHash, f)
		}
	}
	for f := range k.remoteFrameHash {
		if f < frame {
			delete(k.remoteFrameHash, f)
		}
	}
	for f := range k.localCrc {
		if f < frame {
			delete(k.localCrc, f)
		}
	}
	for f := range k.remoteCrc {
		if f < frame {
			delete(k.remoteCrc, f)
		}
	}

	keptFrames := k.mismatchFrames[:0]
	for _, f := range k.mismatchFrames {
		if f >= frame {
			keptFrames = append(keptFrames, f)
		} else {
			delete(k.mismatchSeen, f)
		}
	}
	k.mismatchFrames = keptFrames
}
