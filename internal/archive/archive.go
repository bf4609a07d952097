// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package archive implements the bounded per-frame resend history: a
// ring of recently seen frames, each holding the synchronized commands and
// declared command counts recorded per sender, used to rebuild a resend
// plan for a player who fell behind.
package archive

import (
	"sort"

	"github.com/veldspire/lockstep-net/internal/netcmd"
)

// framesToKeep bounds the ring: PruneHistory(currentFrame) evicts frames
// older than currentFrame - framesToKeep + 1, and a frame's slot is also
// overwritten once frame + framesToKeep is recorded.
const framesToKeep = 65

// Command is one archived synchronized command, opaque to this package
// beyond the fields BuildResendPlan needs to reconstruct a resend: its kind
// (so the caller can decide whether it needs a freshly assigned command id)
// and its already-encoded payload bytes.
type Command struct {
	Type    netcmd.Kind
	Payload []byte
}

// frameSender holds what has been archived for one (frame, senderSlot) pair.
type frameSender struct {
	expectedCount uint32
	hasExpected   bool
	commands      []Command
}

// frameRecord holds every sender's archive for a single frame number. valid
// is false for ring slots that have never been written, or that have been
// explicitly pruned; frame disambiguates a slot from the frame that last
// occupied it once the ring has wrapped around.
type frameRecord struct {
	frame   uint32
	valid   bool
	senders map[uint8]*frameSender
}

// Archive is the ring itself. It never spawns a goroutine or takes a lock;
// callers are expected to drive it from the same single-threaded update
// loop that drives the rest of the kernel.
type Archive struct {
	ring [framesToKeep]frameRecord
}

// New returns an empty Archive.
func New() *Archive {
	return &Archive{}
}

// slot returns the ring record for frame, resetting it first if the slot
// currently holds a different (now stale) frame.
func (a *Archive) slot(frame uint32) *frameRecord {
	r := &a.ring[frame%framesToKeep]
	if !r.valid || r.frame != frame {
		r.frame = frame
		r.valid = true
		r.senders = make(map[uint8]*frameSender)
	}
	return r
}

func (a *Archive) senderRecord(frame uint32, sender uint8) *frameSender {
	r := a.slot(frame)
	sr, ok := r.senders[sender]
	if !ok {
		sr = &frameSender{}
		r.senders[sender] = sr
	}
	return sr
}

// RecordCommand appends a synchronized command to sender's archive for
// frame. Order of appending is preserved for replay.
func (a *Archive) RecordCommand(frame uint32, sender uint8, cmd Command) {
	sr := a.senderRecord(frame, sender)
	sr.commands = append(sr.commands, cmd)
}

// RecordFrameInfo records sender's declared command count for frame, so a
// later BuildResendPlan call can synthesize a FrameInfo for a player who
// never received the original one.
func (a *Archive) RecordFrameInfo(frame uint32, sender uint8, expectedCount uint32) {
	sr := a.senderRecord(frame, sender)
	sr.expectedCount = expectedCount
	sr.hasExpected = true
}

// ResendItem is one entry in a resend plan: either a synthesized FrameInfo
// declaration (IsFrameInfo true, Expected valid) or an archived
// command (IsFrameInfo false, Command valid), always attributed to the
// frame and sender it was originally recorded against.
type ResendItem struct {
	Frame       uint32
	Sender      uint8
	IsFrameInfo bool
	Expected    uint32
	Command     Command
}

// BuildResendPlan walks [startFrame, currentFrame] in order and, for every
// frame, every archived sender other than targetPlayerId that is present in
// connected, emits that sender's synthesized FrameInfo (if a command count
// was ever recorded) followed by its archived commands in original order.
// A targetPlayerId's own commands are never replayed back to it, and a
// sender who has since disconnected (absent from connected) is skipped
// entirely: resending a dropped peer's stale commands would only feed the
// target more data to discard.
func (a *Archive) BuildResendPlan(targetPlayerId uint8, startFrame, currentFrame uint32, connected []uint8) []ResendItem {
	if startFrame > currentFrame {
		return nil
	}
	connectedSet := make(map[uint8]bool, len(connected))
	for _, s := range connected {
		connectedSet[s] = true
	}

	var plan []ResendItem
	for frame := startFrame; ; frame++ {
		r := &a.ring[frame%framesToKeep]
		if r.valid && r.frame == frame {
			senders := make([]uint8, 0, len(r.senders))
			for s := range r.senders {
				senders = append(senders, s)
			}
			sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

			for _, sender := range senders {
				if sender == targetPlayerId || !connectedSet[sender] {
					continue
				}
				sr := r.senders[sender]
				if sr.hasExpected {
					plan = append(plan, ResendItem{
						Frame: frame, Sender: sender,
						IsFrameInfo: true, Expected: sr.expectedCount,
					})
				}
				for _, cmd := range sr.commands {
					plan = append(plan, ResendItem{Frame: frame, Sender: sender, Command: cmd})
				}
			}
		}
		if frame == currentFrame {
			break
		}
	}
	return plan
}

// PruneHistory discards every archived frame older than
// currentFrame - framesToKeep + 1, matching the ring's retention window.
func (a *Archive) PruneHistory(currentFrame uint32) {
	var cutoff uint32
	if currentFrame+1 > framesToKeep {
		cutoff = currentFrame - framesToKeep + 1
	}
	for i := range a.ring {
		r := &a.ring[i]
		if r.valid && r.frame < cutoff {
			r.valid = false
			r.senders = nil
		}
	}
}

// Contains reports whether frame currently has a live (unpruned, unwrapped)
// archive entry.
func (a *Archive) Contains(frame uint32) bool {
	r := &a.ring[frame%framesToKeep]
	return r.valid && r.frame == frame
}

// CommandCount reports how many commands are archived for (frame, sender),
// or 0 if none.
func (a *Archive) CommandCount(frame uint32, sender uint8) int {
	r := &a.ring[frame%framesToKeep]
	if !r.valid || r.frame != frame {
		return 0
	}
	sr, ok := r.senders[sender]
	if !ok {
		return 0
	}
	return len(sr.commands)
}
