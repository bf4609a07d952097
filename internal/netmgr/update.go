// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package netmgr

import (
	"time"

	"github.com/veldspire/lockstep-net/internal/netcmd"
	"github.com/veldspire/lockstep-net/internal/wire"
)

// archiveWindow mirrors internal/archive's framesToKeep: the kernel's own
// ledgers are pruned on the same schedule so frame-hash/CRC history never
// outlives the resend archive that would be needed to re-derive it.
const archiveWindow = 65

// Update paces the local tick to at most 1000/FrameRate ms apart (a
// FrameRate of 0 disables pacing entirely, ticking on every call), then
// runs one frame of the core loop: records the local frame hash and
// game-logic CRC for the about-to-complete frame, clears the command
// queue, advances the frame counter, prunes the archive and the kernel ledgers to
// the same retention window, records the local advance (only when the
// outgoing frame's remote data was complete) and marks the new frame
// ready, and evaluates the disconnect stall/keep-alive/eviction
// state machine.
func (m *Manager) Update(now time.Time) {
	if m.cfg.FrameRate > 0 {
		interval := time.Duration(1000/m.cfg.FrameRate) * time.Millisecond
		if !m.lastTickAt.IsZero() && now.Sub(m.lastTickAt) < interval {
			return
		}
	}
	m.lastTickAt = now

	m.broadcastFrameInfo()

	ready := m.frames.IsFrameDataReady(m.gameFrame, m.remoteConnectedSlots())

	m.kernel.RecordLocalFrameHash(m.gameFrame)
	m.kernel.ComputeGameLogicCrc(m.gameFrame)

	m.kernel.ClearQueue()
	m.gameFrame++

	m.archive.PruneHistory(m.gameFrame)
	if m.gameFrame+1 > archiveWindow {
		m.kernel.PruneBefore(m.gameFrame - archiveWindow + 1)
	}

	// The stall clock only resets when the outgoing frame's remote data
	// had actually arrived — a tick that advanced the counter while peers
	// owe commands is exactly the situation the disconnect screen exists
	// to surface.
	if ready {
		m.frames.RecordAdvance(now)
	}
	m.frames.MarkReady(m.gameFrame)

	m.evaluateDisconnectStall(now)
}

// broadcastFrameInfo announces how many synchronized commands the local
// slot has issued for the frame it is currently producing into (gameFrame
// + runAhead), so every peer knows what to expect before it reaches that
// frame. The count also lands in the archive so a resend plan can
// synthesize this same FrameInfo later.
func (m *Manager) broadcastFrameInfo() {
	execFrame := m.gameFrame + m.cfg.RunAhead
	count := uint32(m.archive.CommandCount(execFrame, m.cfg.LocalPlayerID))
	m.archive.RecordFrameInfo(execFrame, m.cfg.LocalPlayerID, count)

	fi := &wire.Command{
		Type: netcmd.FrameInfo, Sender: m.cfg.LocalPlayerID, HasSender: true,
		ExecutionFrame: execFrame, HasExecutionFrame: true,
		Payload: wire.FrameInfoPayload{CommandCount: uint16(count)},
	}
	m.send(wire.Encode(fi), m.connectedMaskExcept(m.cfg.LocalPlayerID))
}

// evaluateDisconnectStall polls the stall/keep-alive predicates and, when
// the local slot currently holds the packet-router role, evicts any peer
// that has exceeded the disconnect-player timeout.
func (m *Manager) evaluateDisconnectStall(now time.Time) {
	m.frames.CheckStall(now)

	if m.frames.ShouldSendKeepAlive(now) {
		m.sendDisconnectKeepAlive()
	}
	// While the screen is up, peers periodically learn how far this slot
	// got so the router can decide who needs a catch-up replay.
	if m.frames.ShouldSendScreenNotify(now) {
		m.SendDisconnectFrame(m.gameFrame)
	}

	if !m.hasPacketRouter || m.packetRouter != m.cfg.LocalPlayerID {
		return
	}
	for _, slot := range m.ConnectedSlots() {
		if slot == m.cfg.LocalPlayerID {
			continue
		}
		if m.frames.PacketRouterShouldEvict(slot, now) {
			m.evictPlayer(slot)
		}
	}
}

// evictPlayer dispatches the disconnect-player and destroy-player command
// pair for slot, stages them into the local kernel queue and resend archive
// exactly as an incoming synchronized command would be, broadcasts them to
// every other connected peer, and stops tracking slot entirely. The
// destroy lands one past the execution frame so every peer still has the
// victim's units when the disconnect itself executes.
func (m *Manager) evictPlayer(slot uint8) {
	frame := m.gameFrame
	m.dispatchSynchronized(frame, disconnectPlayerCommand(m.cfg.LocalPlayerID, slot, frame))
	destroyFrame := m.ExecutionFrame() + 1
	m.dispatchSynchronized(destroyFrame, destroyPlayerCommand(m.cfg.LocalPlayerID, slot, destroyFrame))
	m.RemovePlayer(slot)
}
