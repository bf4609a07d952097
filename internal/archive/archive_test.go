// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package archive

import (
	"testing"

	"github.com/veldspire/lockstep-net/internal/netcmd"
)

func TestBuildResendPlanOrdersFrameInfoBeforeCommands(t *testing.T) {
	a := New()
	a.RecordFrameInfo(0, 1, 2)
	a.RecordCommand(0, 1, Command{Type: netcmd.GameCommand, Payload: []byte{1}})
	a.RecordCommand(0, 1, Command{Type: netcmd.GameCommand, Payload: []byte{2}})

	plan := a.BuildResendPlan(0, 0, 0, []uint8{0, 1})
	if len(plan) != 3 {
		t.Fatalf("plan length = %d, want 3", len(plan))
	}
	if !plan[0].IsFrameInfo || plan[0].Expected != 2 {
		t.Fatalf("plan[0] = %+v, want synthesized FrameInfo with Expected=2", plan[0])
	}
	if plan[1].Command.Payload[0] != 1 || plan[2].Command.Payload[0] != 2 {
		t.Fatalf("commands out of original order: %+v", plan)
	}
}

func TestBuildResendPlanExcludesTargetsOwnCommands(t *testing.T) {
	a := New()
	a.RecordCommand(0, 3, Command{Type: netcmd.Chat, Payload: []byte("hi")})

	plan := a.BuildResendPlan(3, 0, 0, []uint8{3})
	if len(plan) != 0 {
		t.Fatalf("plan should exclude the target's own archived commands, got %+v", plan)
	}
}

func TestBuildResendPlanExcludesDisconnectedSenders(t *testing.T) {
	a := New()
	a.RecordCommand(0, 2, Command{Type: netcmd.Chat, Payload: []byte("hi")})

	plan := a.BuildResendPlan(0, 0, 0, []uint8{0})
	if len(plan) != 0 {
		t.Fatalf("plan should exclude senders absent from connected, got %+v", plan)
	}
}

func TestBuildResendPlanSpansMultipleFramesInOrder(t *testing.T) {
	a := New()
	a.RecordCommand(5, 1, Command{Type: netcmd.GameCommand, Payload: []byte{5}})
	a.RecordCommand(6, 1, Command{Type: netcmd.GameCommand, Payload: []byte{6}})
	a.RecordCommand(7, 1, Command{Type: netcmd.GameCommand, Payload: []byte{7}})

	plan := a.BuildResendPlan(0, 5, 7, []uint8{1})
	if len(plan) != 3 {
		t.Fatalf("plan length = %d, want 3", len(plan))
	}
	for i, wantFrame := range []uint32{5, 6, 7} {
		if plan[i].Frame != wantFrame {
			t.Fatalf("plan[%d].Frame = %d, want %d", i, plan[i].Frame, wantFrame)
		}
	}
}

func TestPruneHistoryDiscardsOnlyOlderFrames(t *testing.T) {
	a := New()
	a.RecordCommand(0, 1, Command{Type: netcmd.Chat, Payload: []byte("x")})
	a.RecordCommand(64, 1, Command{Type: netcmd.Chat, Payload: []byte("y")})

	// Frames [0, 64] are exactly the 65-frame window, so nothing goes yet.
	a.PruneHistory(64)
	if !a.Contains(0) || !a.Contains(64) {
		t.Fatalf("frames 0 and 64 both lie inside the retention window at current frame 64")
	}

	// One more frame pushes frame 0 out of the window.
	a.PruneHistory(65)
	if a.Contains(0) {
		t.Fatalf("frame 0 should have been pruned once current frame is 65")
	}
	if !a.Contains(64) {
		t.Fatalf("frame 64 should still be retained")
	}
}

func TestPruneHistoryNoopWhenHistoryShorterThanWindow(t *testing.T) {
	a := New()
	a.RecordCommand(0, 1, Command{Type: netcmd.Chat, Payload: []byte("x")})
	a.PruneHistory(10)
	if !a.Contains(0) {
		t.Fatalf("frame 0 must survive pruning when currentFrame - framesToKeep + 1 would underflow")
	}
}

func TestRingWraparoundOverwritesStaleSlot(t *testing.T) {
	a := New()
	a.RecordCommand(0, 1, Command{Type: netcmd.Chat, Payload: []byte("old")})
	a.RecordCommand(framesToKeep, 1, Command{Type: netcmd.Chat, Payload: []byte("new")})

	if a.Contains(0) {
		t.Fatalf("frame 0 shares a ring slot with frame %d and should be considered stale", framesToKeep)
	}
	if a.CommandCount(framesToKeep, 1) != 1 {
		t.Fatalf("frame %d should hold its own command", framesToKeep)
	}
}
