// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package netmgr

import (
	"strconv"
	"time"
	"unicode/utf16"

	"github.com/veldspire/lockstep-net/internal/archive"
	"github.com/veldspire/lockstep-net/internal/kernel"
	"github.com/veldspire/lockstep-net/internal/netcmd"
	"github.com/veldspire/lockstep-net/internal/wire"
)

// connectedMaskExcept returns a relay mask covering every currently
// connected slot other than sender, for commands the local peer originates
// and wants mirrored to every other connection — the eviction pair and
// disconnect-chat both address "all other connected peers", not a blanket
// all-bits mask.
func (m *Manager) connectedMaskExcept(sender uint8) uint32 {
	var mask uint32
	for slot := range m.connected {
		if slot != sender {
			mask |= uint32(1) << slot
		}
	}
	return mask
}

func withCommandID(cmd *wire.Command, id uint16) *wire.Command {
	cmd.CommandID = id
	cmd.HasCommandID = true
	return cmd
}

func disconnectPlayerCommand(sender, slot uint8, frame uint32) *wire.Command {
	return &wire.Command{
		Type: netcmd.DisconnectPlayer, Sender: sender, HasSender: true,
		ExecutionFrame: frame, HasExecutionFrame: true,
		Payload: wire.DisconnectPlayerPayload{Slot: slot, DisconnectFrame: frame},
	}
}

func destroyPlayerCommand(sender, slot uint8, frame uint32) *wire.Command {
	return &wire.Command{
		Type: netcmd.DestroyPlayer, Sender: sender, HasSender: true,
		ExecutionFrame: frame, HasExecutionFrame: true,
		Payload: wire.DestroyPlayerPayload{PlayerIndex: uint32(slot)},
	}
}

// sortFor derives the DeterministicCommand.Sort field from a command's
// assigned id: the wire format carries no separate sort-order field, and a
// freshly assigned, monotonically increasing command id gives every
// synchronized command a stable, deterministic relative order across
// peers — the same property a dedicated sort field would provide.
func sortFor(cmd *wire.Command) int32 {
	if cmd.HasCommandID {
		return int32(cmd.CommandID)
	}
	return 0
}

// dispatchSynchronized enqueues cmd into the local kernel queue for
// immediate execution, archives it for future resend, and broadcasts it to
// every other connected peer. It assigns a fresh command id first if cmd's
// kind requires one and doesn't already carry one.
func (m *Manager) dispatchSynchronized(frame uint32, cmd *wire.Command) {
	if netcmd.RequiresCommandID(cmd.Type) && !cmd.HasCommandID {
		withCommandID(cmd, m.allocCommandID())
	}
	encoded := wire.Encode(cmd)

	m.kernel.Enqueue(kernel.DeterministicCommand{
		Type:      uint8(cmd.Type),
		Player:    cmd.Sender,
		Sort:      sortFor(cmd),
		Payload:   encoded,
		DedupeKey: dedupeKeyFor(cmd, cmd.Sender),
	})
	m.archive.RecordCommand(frame, cmd.Sender, archive.Command{Type: cmd.Type, Payload: encoded})
	m.send(encoded, m.connectedMaskExcept(cmd.Sender))
}

// --- Outbound helpers ---

// SendGameCommand broadcasts an opaque simulation order, scheduled into
// the current execution frame.
func (m *Manager) SendGameCommand(data []byte) {
	frame := m.ExecutionFrame()
	cmd := &wire.Command{
		Type: netcmd.GameCommand, Sender: m.cfg.LocalPlayerID, HasSender: true,
		ExecutionFrame: frame, HasExecutionFrame: true,
		Payload: wire.GameCommandPayload{Data: data},
	}
	m.dispatchSynchronized(frame, cmd)
}

// SendChat broadcasts text to the slots set in mask.
func (m *Manager) SendChat(text []uint16, mask int32) {
	cmd := &wire.Command{
		Type: netcmd.Chat, Sender: m.cfg.LocalPlayerID, HasSender: true,
		Payload: wire.ChatPayload{Text: text, PlayerMask: mask},
	}
	m.send(wire.Encode(cmd), uint32(mask))
}

// SendDisconnectChat broadcasts text to every connected peer except the
// local slot (generalized from the legacy fixed 0xff mask field to the
// full connected set).
func (m *Manager) SendDisconnectChat(text []uint16) {
	cmd := &wire.Command{
		Type: netcmd.DisconnectChat, Sender: m.cfg.LocalPlayerID, HasSender: true,
		Payload: wire.DisconnectChatPayload{Text: text},
	}
	m.send(wire.Encode(cmd), m.connectedMaskExcept(m.cfg.LocalPlayerID))
}

// SendRunahead broadcasts a runahead/frame-rate renegotiation as a
// synchronized command for frame.
func (m *Manager) SendRunahead(newRunAhead uint16, newFrameRate uint8, frame uint32) {
	cmd := &wire.Command{
		Type: netcmd.Runahead, Sender: m.cfg.LocalPlayerID, HasSender: true,
		ExecutionFrame: frame, HasExecutionFrame: true,
		Payload: wire.RunaheadPayload{NewRunAhead: newRunAhead, NewFrameRate: newFrameRate},
	}
	m.dispatchSynchronized(frame, cmd)
}

// SendRunaheadMetrics reports the local latency/fps sample to every other
// connected peer.
func (m *Manager) SendRunaheadMetrics(averageLatency float32, averageFps uint16) {
	cmd := &wire.Command{
		Type: netcmd.RunaheadMetrics, Sender: m.cfg.LocalPlayerID, HasSender: true,
		Payload: wire.RunaheadMetricsPayload{AverageLatency: averageLatency, AverageFps: averageFps},
	}
	m.send(wire.Encode(cmd), m.connectedMaskExcept(m.cfg.LocalPlayerID))
}

// SendPlayerLeave announces that the local slot is leaving voluntarily.
func (m *Manager) SendPlayerLeave() {
	cmd := &wire.Command{
		Type: netcmd.PlayerLeave, Sender: m.cfg.LocalPlayerID, HasSender: true,
		Payload: wire.PlayerLeavePayload{LeavingPlayerID: m.cfg.LocalPlayerID},
	}
	m.send(wire.Encode(cmd), m.connectedMaskExcept(m.cfg.LocalPlayerID))
}

// SendDisconnectVote casts the local peer's vote to disconnect target at
// frame, both locally (via framestate) and over the wire.
func (m *Manager) SendDisconnectVote(target uint8, frame uint32) {
	if !m.frames.RecordLocalVote(m.cfg.LocalPlayerID, target, frame) {
		return
	}
	cmd := &wire.Command{
		Type: netcmd.DisconnectVote, Sender: m.cfg.LocalPlayerID, HasSender: true,
		Payload: wire.DisconnectVotePayload{VoteSlot: target, VoteFrame: frame},
	}
	m.dispatchSynchronized(frame, cmd)
}

// SendDisconnectFrame reports the local peer's last-reached frame to the
// connection set.
func (m *Manager) SendDisconnectFrame(frame uint32) {
	cmd := &wire.Command{
		Type: netcmd.DisconnectFrame, Sender: m.cfg.LocalPlayerID, HasSender: true,
		Payload: wire.DisconnectFramePayload{Frame: frame},
	}
	m.dispatchSynchronized(frame, cmd)
}

// SendDisconnectScreenOff acks a disconnect-frame with newFrame, normally
// sent only by whichever slot holds the packet-router role.
func (m *Manager) SendDisconnectScreenOff(newFrame uint32) {
	cmd := &wire.Command{
		Type: netcmd.DisconnectScreenOff, Sender: m.cfg.LocalPlayerID, HasSender: true,
		Payload: wire.DisconnectScreenOffPayload{NewFrame: newFrame},
	}
	m.dispatchSynchronized(newFrame, cmd)
}

// SendPacketRouterQuery asks the current packet router to confirm it is
// still alive and arbitrating.
func (m *Manager) SendPacketRouterQuery() {
	if !m.hasPacketRouter || m.packetRouter == m.cfg.LocalPlayerID {
		return
	}
	cmd := &wire.Command{
		Type: netcmd.PacketRouterQuery, Sender: m.cfg.LocalPlayerID, HasSender: true,
	}
	withCommandID(cmd, m.allocCommandID())
	m.send(wire.Encode(cmd), uint32(1)<<m.packetRouter)
}

// SendPacketRouterAck answers a router query, targeted back at the asking
// slot.
func (m *Manager) SendPacketRouterAck(target uint8) {
	cmd := &wire.Command{
		Type: netcmd.PacketRouterAck, Sender: m.cfg.LocalPlayerID, HasSender: true,
	}
	withCommandID(cmd, m.allocCommandID())
	m.send(wire.Encode(cmd), uint32(1)<<target)
}

func (m *Manager) sendDisconnectKeepAlive() {
	cmd := &wire.Command{
		Type: netcmd.DisconnectKeepalive, Sender: m.cfg.LocalPlayerID, HasSender: true,
	}
	withCommandID(cmd, m.allocCommandID())
	m.send(wire.Encode(cmd), m.connectedMaskExcept(m.cfg.LocalPlayerID))
}

// SendFrameResendRequest asks slot to replay the commands it issued for
// frame.
func (m *Manager) SendFrameResendRequest(slot uint8, frame uint32) {
	cmd := &wire.Command{
		Type: netcmd.FrameResendRequest, Sender: m.cfg.LocalPlayerID, HasSender: true,
	}
	withCommandID(cmd, m.allocCommandID())
	cmd.Payload = wire.FrameResendRequestPayload{Frame: frame}
	m.send(wire.Encode(cmd), uint32(1)<<slot)
}

// SendLocalCommandDirect hands an already-built command straight to the
// transport under the caller's relay mask, assigning a command id when
// the kind requires one. This is the raw escape hatch for host-built
// commands; the typed helpers above are built on the same path.
func (m *Manager) SendLocalCommandDirect(cmd *wire.Command, relayMask uint32) {
	if netcmd.RequiresCommandID(cmd.Type) && !cmd.HasCommandID {
		withCommandID(cmd, m.allocCommandID())
	}
	m.send(wire.Encode(cmd), relayMask)
}

// SendFileAnnounce opens a file transfer addressed to mask, returning the
// freshly assigned command id future FileData/FileProgress sends for this
// transfer should reuse.
func (m *Manager) SendFileAnnounce(path string, mask uint8) uint16 {
	id := m.allocCommandID()
	cmd := &wire.Command{
		Type: netcmd.FileAnnounce, Sender: m.cfg.LocalPlayerID, HasSender: true,
		Payload: wire.FileAnnouncePayload{Path: path, CommandID: id, PlayerMask: mask},
	}
	withCommandID(cmd, id)
	m.fileTransfers[id] = &fileTransfer{path: path, mask: mask, progress: seedFileTransferProgress(mask)}
	m.send(wire.Encode(cmd), uint32(mask))
	return id
}

// SendFileData streams data for an already-announced file transfer and
// marks every recipient in mask complete.
func (m *Manager) SendFileData(path string, data []byte, mask uint8) {
	cmd := &wire.Command{
		Type: netcmd.File, Sender: m.cfg.LocalPlayerID, HasSender: true,
		Payload: wire.FilePayload{Path: path, Data: data},
	}
	for _, ft := range m.fileTransfers {
		if ft.path != path {
			continue
		}
		for slot := uint8(0); slot < netcmd.MaxSlots; slot++ {
			if mask&(1<<slot) != 0 {
				ft.progress[slot] = 100
			}
		}
	}
	m.send(wire.Encode(cmd), uint32(mask))
}

// SendFileProgress reports percentage completion for a file transfer keyed
// by the command id SendFileAnnounce returned.
func (m *Manager) SendFileProgress(commandID uint16, progress int32, mask uint8) {
	cmd := &wire.Command{
		Type: netcmd.FileProgress, Sender: m.cfg.LocalPlayerID, HasSender: true,
	}
	withCommandID(cmd, commandID)
	cmd.Payload = wire.FileProgressPayload{CommandID: commandID, Progress: progress}
	m.raiseFileProgress(commandID, m.cfg.LocalPlayerID, progress)
	m.send(wire.Encode(cmd), uint32(mask))
}

// raiseFileProgress monotonically raises slot's completion percentage for
// the transfer keyed by commandID. Progress only ever rises; a stale or
// duplicate report can never lower it.
func (m *Manager) raiseFileProgress(commandID uint16, slot uint8, progress int32) {
	ft, ok := m.fileTransfers[commandID]
	if !ok {
		return
	}
	if progress > ft.progress[slot] {
		ft.progress[slot] = progress
	}
}

// --- Inbound dispatch ---

// ProcessIncomingCommand decodes raw as a single inner command from sender
// and dispatches it. It returns false for anything that failed to parse or
// that carried an unrecognized command kind — these are silently
// dropped, not surfaced as errors. A wrapper-kind command is fed to the
// reassembler; once complete, the reassembled inner command is decoded and
// dispatched recursively with the outer sender as a fallback only: the
// inner command's own P tag takes precedence, and its own F field is used.
func (m *Manager) ProcessIncomingCommand(raw []byte, sender uint8, now time.Time) bool {
	cmd, err := wire.Decode(raw)
	if err != nil {
		return false
	}
	return m.dispatchDecoded(cmd, sender, now)
}

// resendTarget picks the slot a frame-resend request for offender's
// traffic should be addressed to: the offender itself while it is still
// connected, otherwise the first other connected slot.
func (m *Manager) resendTarget(offender uint8) uint8 {
	if m.connected[offender] {
		return offender
	}
	for _, s := range m.ConnectedSlots() {
		if s != m.cfg.LocalPlayerID && s != offender {
			return s
		}
	}
	return offender
}

func (m *Manager) dispatchDecoded(cmd *wire.Command, sender uint8, now time.Time) bool {
	if !netcmd.Known(cmd.Type) {
		return false
	}

	// The wire-level P field outranks the transport's own attribution:
	// replayed and relayed commands arrive from a forwarder, not from the
	// slot that originally issued them.
	if cmd.HasSender {
		sender = cmd.Sender
	}

	if cmd.Type == netcmd.Wrapper {
		chunk, ok := cmd.Payload.(wire.WrapperChunkPayload)
		if !ok {
			return false
		}
		body, complete := m.wrapper.AddChunk(chunk)
		if !complete {
			return true
		}
		inner, err := wire.Decode(body)
		if err != nil {
			return false
		}
		return m.dispatchDecoded(inner, sender, now)
	}

	frame := cmd.ExecutionFrame

	// Synchronized kinds feed the archive, the kernel queue, and — when
	// they carry an execution frame — the per-peer command-count
	// expectations, before any kind-specific handling runs.
	if netcmd.IsSynchronized(cmd.Type) {
		encoded := wire.Encode(cmd)
		m.archive.RecordCommand(frame, sender, archive.Command{Type: cmd.Type, Payload: encoded})
		m.kernel.Enqueue(kernel.DeterministicCommand{
			Type:      uint8(cmd.Type),
			Player:    sender,
			Sort:      sortFor(cmd),
			Payload:   encoded,
			DedupeKey: dedupeKeyFor(cmd, sender),
		})
		if cmd.HasExecutionFrame {
			if triggered := m.frames.RecordReceived(sender, frame); triggered {
				m.SendFrameResendRequest(m.resendTarget(sender), frame)
			}
		}
	}

	switch cmd.Type {
	case netcmd.FrameInfo:
		// A FrameInfo pins the local hash for its frame so the sender's
		// reported value has something to reconcile against; the command
		// count itself is optional on the dynamic record shapes.
		m.kernel.RecordLocalFrameHash(frame)
		if fi, ok := cmd.Payload.(wire.FrameInfoPayload); ok {
			m.frames.SetExpected(sender, frame, uint32(fi.CommandCount))
			m.archive.RecordFrameInfo(frame, sender, uint32(fi.CommandCount))
		}
		return true

	case netcmd.FrameResendRequest:
		fr, ok := cmd.Payload.(wire.FrameResendRequestPayload)
		if !ok {
			return false
		}
		m.replayResend(sender, fr.Frame)
		return true

	case netcmd.DisconnectVote:
		dv, ok := cmd.Payload.(wire.DisconnectVotePayload)
		if !ok {
			return false
		}
		connected := m.connected[sender]
		if m.frames.RecordRemoteVote(m.cfg.LocalPlayerID, dv.VoteSlot, sender, dv.VoteFrame, connected, connected) {
			if m.OnDisconnectVoteTally != nil {
				m.OnDisconnectVoteTally(dv.VoteSlot, dv.VoteFrame, m.frames.VoteCount(dv.VoteSlot, dv.VoteFrame))
			}
		}
		return true

	case netcmd.DisconnectFrame:
		df, ok := cmd.Payload.(wire.DisconnectFramePayload)
		if !ok {
			return false
		}
		m.frames.RecordDisconnectFrame(sender, df.Frame)
		// If sender's reported frame trails the local peer's own, replay
		// the archived range so the straggler can catch up.
		if df.Frame < m.gameFrame {
			m.replayResend(sender, df.Frame)
		}
		return true

	case netcmd.DisconnectScreenOff:
		so, ok := cmd.Payload.(wire.DisconnectScreenOffPayload)
		if !ok {
			return false
		}
		isRouterAck := m.hasPacketRouter && sender == m.packetRouter
		m.frames.RecordScreenOff(sender, so.NewFrame, isRouterAck)
		return true

	case netcmd.DisconnectKeepalive:
		m.frames.RecordKeepAlive(sender, now)
		return true

	case netcmd.PacketRouterQuery:
		if m.OnPacketRouterQuery != nil {
			m.OnPacketRouterQuery(sender)
		}
		return true

	case netcmd.PacketRouterAck:
		if m.OnPacketRouterAck != nil {
			m.OnPacketRouterAck(sender)
		}
		return true

	case netcmd.RunaheadMetrics:
		mp, ok := cmd.Payload.(wire.RunaheadMetricsPayload)
		if !ok {
			return false
		}
		// An authority violation, not an error: metrics from a slot no
		// longer in the connection set are consumed but ignored.
		if m.connected[sender] {
			m.peerMetrics[sender] = PeerMetrics{AverageLatency: mp.AverageLatency, AverageFps: mp.AverageFps}
		}
		return true

	case netcmd.Chat:
		cp, ok := cmd.Payload.(wire.ChatPayload)
		if !ok {
			return false
		}
		text := string(utf16.Decode(cp.Text))
		m.chatHistory = append(m.chatHistory, ChatEntry{Sender: sender, Text: text, Mask: cp.PlayerMask})
		if m.OnChat != nil {
			m.OnChat(sender, text, cp.PlayerMask)
		}
		return true

	case netcmd.DisconnectChat:
		dc, ok := cmd.Payload.(wire.DisconnectChatPayload)
		if !ok {
			return false
		}
		text := string(utf16.Decode(dc.Text))
		m.chatHistory = append(m.chatHistory, ChatEntry{Sender: sender, Text: text, Mask: int32(m.connectedMaskExcept(sender))})
		if m.OnDisconnectChat != nil {
			m.OnDisconnectChat(sender, text)
		}
		return true

	case netcmd.PlayerLeave:
		pl, ok := cmd.Payload.(wire.PlayerLeavePayload)
		if !ok {
			return false
		}
		if m.OnPlayerLeave != nil {
			m.OnPlayerLeave(pl.LeavingPlayerID)
		}
		return true

	case netcmd.FileAnnounce:
		fa, ok := cmd.Payload.(wire.FileAnnouncePayload)
		if !ok {
			return false
		}
		m.fileTransfers[fa.CommandID] = &fileTransfer{
			path: fa.Path, mask: fa.PlayerMask,
			progress: seedFileTransferProgress(fa.PlayerMask),
		}
		if m.OnFileAnnounce != nil {
			m.OnFileAnnounce(sender, fa.CommandID, fa.Path, fa.PlayerMask)
		}
		return true

	case netcmd.File:
		fp, ok := cmd.Payload.(wire.FilePayload)
		if !ok {
			return false
		}
		if m.OnFileData != nil {
			m.OnFileData(sender, fp.Path, fp.Data)
		}
		return true

	case netcmd.FileProgress:
		fp, ok := cmd.Payload.(wire.FileProgressPayload)
		if !ok {
			return false
		}
		m.raiseFileProgress(fp.CommandID, sender, fp.Progress)
		if m.OnFileProgress != nil {
			m.OnFileProgress(sender, fp.CommandID, fp.Progress)
		}
		return true
	}

	// Everything left — acks, mangler queries/responses, progress,
	// load-complete, timeout-start, and the synchronized kinds whose whole
	// effect is the bookkeeping above — was consumed by recognizing it.
	return true
}

// dedupeKeyFor builds the kernel's per-frame dedupe key for commands that
// carry a command id: kind, sender and id. Two copies of the same issued
// command — the retransmission case a resend replay produces — collide on
// it. A command without an id (game commands above all) has no stable
// identity to collide on, so it gets no key and every copy enqueues:
// two distinct orders from the same player in the same frame are both
// part of that frame's command list.
func dedupeKeyFor(cmd *wire.Command, sender uint8) string {
	if !cmd.HasCommandID {
		return ""
	}
	return cmd.Type.String() + ":" + strconv.Itoa(int(sender)) + ":" + strconv.Itoa(int(sortFor(cmd)))
}

// replayResend rebuilds and replays the resend plan for target starting at
// startFrame, assigning fresh command ids to any archived command whose
// kind requires one.
func (m *Manager) replayResend(target uint8, startFrame uint32) {
	plan := m.archive.BuildResendPlan(target, startFrame, m.gameFrame, m.ConnectedSlots())
	mask := uint32(1) << target

	for _, item := range plan {
		if item.IsFrameInfo {
			cmd := &wire.Command{
				Type: netcmd.FrameInfo, Sender: item.Sender, HasSender: true,
				ExecutionFrame: item.Frame, HasExecutionFrame: true,
				Payload: wire.FrameInfoPayload{CommandCount: uint16(item.Expected)},
			}
			m.send(wire.Encode(cmd), mask)
			continue
		}

		decoded, err := wire.Decode(item.Command.Payload)
		if err != nil {
			continue
		}
		if netcmd.RequiresCommandID(decoded.Type) {
			withCommandID(decoded, m.allocCommandID())
		}
		m.send(wire.Encode(decoded), mask)
	}
}
