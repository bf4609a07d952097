// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package kernel

import (
	"hash"
	"testing"
)

func TestFrameHashMismatchFlag(t *testing.T) {
	k := New()
	k.Enqueue(DeterministicCommand{Type: 4, Player: 1, Sort: 1})
	h := k.RecordLocalFrameHash(5)

	if k.SawCRCMismatch() {
		t.Fatalf("no remote hash recorded yet, mismatch should be false")
	}

	k.RecordRemoteFrameHash(5, 1, h)
	if k.SawCRCMismatch() {
		t.Fatalf("matching remote hash must not raise mismatch")
	}

	k.RecordRemoteFrameHash(5, 1, h+1)
	if !k.SawCRCMismatch() {
		t.Fatalf("differing remote hash must raise mismatch")
	}
	frames := k.DeterministicFrameHashMismatchFrames()
	if len(frames) != 1 || frames[0] != 5 {
		t.Fatalf("mismatch frames = %v, want [5]", frames)
	}
}

func TestRecordLocalFrameHashIdempotent(t *testing.T) {
	k := New()
	k.Enqueue(DeterministicCommand{Type: 4, Player: 0, Sort: 1})
	first := k.RecordLocalFrameHash(1)

	k.Enqueue(DeterministicCommand{Type: 4, Player: 0, Sort: 2})
	second := k.RecordLocalFrameHash(1)

	if first != second {
		t.Fatalf("RecordLocalFrameHash must be idempotent per frame: %d != %d", first, second)
	}
}

func TestEnqueueDedup(t *testing.T) {
	k := New()
	if ok := k.Enqueue(DeterministicCommand{Type: 4, DedupeKey: "4:1:1"}); !ok {
		t.Fatalf("first enqueue should succeed")
	}
	if ok := k.Enqueue(DeterministicCommand{Type: 4, DedupeKey: "4:1:1"}); ok {
		t.Fatalf("duplicate dedupeKey must be rejected")
	}
	if len(k.Queue()) != 1 {
		t.Fatalf("queue length = %d, want 1", len(k.Queue()))
	}
}

func TestPruneBeforeRemovesOnlyOlderFrames(t *testing.T) {
	k := New()
	k.RecordLocalFrameHash(1)
	k.RecordLocalFrameHash(2)
	k.RecordRemoteFrameHash(1, 1, 0xDEADBEEF) // forces a mismatch at frame 1

	k.PruneBefore(2)

	if _, ok := k.DeterministicFrameHash(1); ok {
		t.Fatalf("frame 1 should have been pruned")
	}
	if _, ok := k.DeterministicFrameHash(2); !ok {
		t.Fatalf("frame 2 should survive pruning")
	}
	frames := k.DeterministicFrameHashMismatchFrames()
	for _, f := range frames {
		if f < 2 {
			t.Fatalf("mismatch list still contains pruned frame %d", f)
		}
	}
}

func objectsSection(data byte) SectionWriter {
	return func(acc hash.Hash32) error {
		_, err := acc.Write([]byte{data})
		return err
	}
}

func TestGameLogicCrcConsensusScenario(t *testing.T) {
	k := New()
	k.SetSectionWriters([]SectionWriter{objectsSection(7)})

	localCrc, ok := k.ComputeGameLogicCrc(30)
	if !ok {
		t.Fatalf("expected a local CRC once writers are configured")
	}

	k.RecordRemoteGameLogicCrc(30, 1, localCrc)
	result := k.Consensus(30, []uint8{1, 2})
	if result.Status != Pending {
		t.Fatalf("status = %v, want Pending", result.Status)
	}
	if len(result.MissingPlayerIds) != 1 || result.MissingPlayerIds[0] != 2 {
		t.Fatalf("missing = %v, want [2]", result.MissingPlayerIds)
	}

	k.RecordRemoteGameLogicCrc(30, 2, localCrc+1)
	result = k.Consensus(30, []uint8{1, 2})
	if result.Status != Mismatch {
		t.Fatalf("status = %v, want Mismatch", result.Status)
	}
	if len(result.MismatchedPlayerIds) != 1 || result.MismatchedPlayerIds[0] != 2 {
		t.Fatalf("mismatched = %v, want [2]", result.MismatchedPlayerIds)
	}
}

func TestGameLogicCrcRetroactiveReconciliation(t *testing.T) {
	k := New()
	// Remote CRC arrives before any local writer is configured.
	k.RecordRemoteGameLogicCrc(10, 1, 0x1)
	if k.SawCRCMismatch() {
		t.Fatalf("no local value yet, mismatch must not be raised")
	}

	k.SetSectionWriters([]SectionWriter{objectsSection(1)})
	local, _ := k.LocalGameLogicCrc(10)
	if local == 0x1 {
		t.Skip("computed CRC happens to equal the stale remote value; inconclusive")
	}
	if !k.SawCRCMismatch() {
		t.Fatalf("installing writers must retroactively reconcile cached remote CRCs")
	}
}
