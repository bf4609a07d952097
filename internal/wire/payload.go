// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package wire

import (
	"fmt"

	"github.com/veldspire/lockstep-net/internal/netcmd"
)

// Payload is the per-kind decoded body of an inner command (the
// kind-specific section after the D tag), one concrete type per command
// kind.
type Payload interface {
	Kind() netcmd.Kind
	encode(w *writer)
}

// GameCommandPayload carries a simulation order's already-encoded bytes.
// The kernel never interprets them; they ride through the queue, the
// archive and the frame hash as an opaque blob.
type GameCommandPayload struct {
	Data []byte
}

func (GameCommandPayload) Kind() netcmd.Kind  { return netcmd.GameCommand }
func (p GameCommandPayload) encode(w *writer) { w.writeBytes(p.Data) }

// ChatPayload carries chat text as UTF-16 code units plus a recipient mask.
type ChatPayload struct {
	Text       []uint16
	PlayerMask int32
}

func (ChatPayload) Kind() netcmd.Kind { return netcmd.Chat }
func (p ChatPayload) encode(w *writer) {
	w.writeByte(byte(len(p.Text)))
	w.writeUTF16(p.Text)
	w.writeI32(p.PlayerMask)
}

// DisconnectChatPayload is chat text without a recipient mask.
type DisconnectChatPayload struct {
	Text []uint16
}

func (DisconnectChatPayload) Kind() netcmd.Kind { return netcmd.DisconnectChat }
func (p DisconnectChatPayload) encode(w *writer) {
	w.writeByte(byte(len(p.Text)))
	w.writeUTF16(p.Text)
}

// RunaheadPayload renegotiates runahead depth and simulation rate.
type RunaheadPayload struct {
	NewRunAhead uint16
	NewFrameRate uint8
}

func (RunaheadPayload) Kind() netcmd.Kind { return netcmd.Runahead }
func (p RunaheadPayload) encode(w *writer) {
	w.writeU16(p.NewRunAhead)
	w.writeByte(p.NewFrameRate)
}

// RunaheadMetricsPayload reports an observed latency/fps sample.
type RunaheadMetricsPayload struct {
	AverageLatency float32
	AverageFps     uint16
}

func (RunaheadMetricsPayload) Kind() netcmd.Kind { return netcmd.RunaheadMetrics }
func (p RunaheadMetricsPayload) encode(w *writer) {
	w.writeF32(p.AverageLatency)
	w.writeU16(p.AverageFps)
}

// DestroyPlayerPayload names the slot whose units are to be destroyed.
type DestroyPlayerPayload struct {
	PlayerIndex uint32
}

func (DestroyPlayerPayload) Kind() netcmd.Kind { return netcmd.DestroyPlayer }
func (p DestroyPlayerPayload) encode(w *writer) { w.writeU32(p.PlayerIndex) }

// PlayerLeavePayload names the slot that left voluntarily.
type PlayerLeavePayload struct {
	LeavingPlayerID uint8
}

func (PlayerLeavePayload) Kind() netcmd.Kind { return netcmd.PlayerLeave }
func (p PlayerLeavePayload) encode(w *writer) { w.writeByte(p.LeavingPlayerID) }

// ProgressPayload reports a file-transfer completion percentage.
type ProgressPayload struct {
	Percentage uint8
}

func (ProgressPayload) Kind() netcmd.Kind { return netcmd.Progress }
func (p ProgressPayload) encode(w *writer) { w.writeByte(p.Percentage) }

// FrameInfoPayload announces how many synchronized commands a sender
// issued for the carrying frame.
type FrameInfoPayload struct {
	CommandCount uint16
}

func (FrameInfoPayload) Kind() netcmd.Kind { return netcmd.FrameInfo }
func (p FrameInfoPayload) encode(w *writer) { w.writeU16(p.CommandCount) }

// FrameResendRequestPayload asks a peer to replay the commands it issued
// for a frame.
type FrameResendRequestPayload struct {
	Frame uint32
}

func (FrameResendRequestPayload) Kind() netcmd.Kind { return netcmd.FrameResendRequest }
func (p FrameResendRequestPayload) encode(w *writer) { w.writeU32(p.Frame) }

// DisconnectPlayerPayload records a packet-router-driven eviction.
type DisconnectPlayerPayload struct {
	Slot            uint8
	DisconnectFrame uint32
}

func (DisconnectPlayerPayload) Kind() netcmd.Kind { return netcmd.DisconnectPlayer }
func (p DisconnectPlayerPayload) encode(w *writer) {
	w.writeByte(p.Slot)
	w.writeU32(p.DisconnectFrame)
}

// DisconnectVotePayload casts a vote to disconnect voteSlot.
type DisconnectVotePayload struct {
	VoteSlot  uint8
	VoteFrame uint32
}

func (DisconnectVotePayload) Kind() netcmd.Kind { return netcmd.DisconnectVote }
func (p DisconnectVotePayload) encode(w *writer) {
	w.writeByte(p.VoteSlot)
	w.writeU32(p.VoteFrame)
}

// DisconnectFramePayload reports the sender's last-reached frame.
type DisconnectFramePayload struct {
	Frame uint32
}

func (DisconnectFramePayload) Kind() netcmd.Kind { return netcmd.DisconnectFrame }
func (p DisconnectFramePayload) encode(w *writer) { w.writeU32(p.Frame) }

// DisconnectScreenOffPayload acks a disconnect-frame with a new frame.
type DisconnectScreenOffPayload struct {
	NewFrame uint32
}

func (DisconnectScreenOffPayload) Kind() netcmd.Kind { return netcmd.DisconnectScreenOff }
func (p DisconnectScreenOffPayload) encode(w *writer) { w.writeU32(p.NewFrame) }

// FilePayload carries a file transfer's raw bytes.
type FilePayload struct {
	Path string
	Data []byte
}

func (FilePayload) Kind() netcmd.Kind { return netcmd.File }
func (p FilePayload) encode(w *writer) {
	w.writeCString(p.Path)
	w.writeU32(uint32(len(p.Data)))
	w.writeBytes(p.Data)
}

// FileAnnouncePayload opens a file transfer for a recipient mask.
type FileAnnouncePayload struct {
	Path       string
	CommandID  uint16
	PlayerMask uint8
}

func (FileAnnouncePayload) Kind() netcmd.Kind { return netcmd.FileAnnounce }
func (p FileAnnouncePayload) encode(w *writer) {
	w.writeCString(p.Path)
	w.writeU16(p.CommandID)
	w.writeByte(p.PlayerMask)
}

// FileProgressPayload updates a file transfer's progress.
type FileProgressPayload struct {
	CommandID uint16
	Progress  int32
}

func (FileProgressPayload) Kind() netcmd.Kind { return netcmd.FileProgress }
func (p FileProgressPayload) encode(w *writer) {
	w.writeU16(p.CommandID)
	w.writeI32(p.Progress)
}

// decodePayload parses the kind-specific "D" section for kind out of c.
// Any truncation yields ErrTruncated; an unknown
// kind yields ErrUnknownKind.
func decodePayload(kind netcmd.Kind, c *cursor) (Payload, error) {
	switch kind {
	case netcmd.GameCommand:
		data, err := c.readBytes(c.remaining())
		if err != nil {
			return nil, err
		}
		return GameCommandPayload{Data: append([]byte(nil), data...)}, nil

	case netcmd.Chat:
		n, err := c.readByte()
		if err != nil {
			return nil, err
		}
		text, err := c.readUTF16(int(n))
		if err != nil {
			return nil, err
		}
		mask, err := c.readI32()
		if err != nil {
			return nil, err
		}
		return ChatPayload{Text: text, PlayerMask: mask}, nil

	case netcmd.DisconnectChat:
		n, err := c.readByte()
		if err != nil {
			return nil, err
		}
		text, err := c.readUTF16(int(n))
		if err != nil {
			return nil, err
		}
		return DisconnectChatPayload{Text: text}, nil

	case netcmd.Runahead:
		run, err := c.readU16()
		if err != nil {
			return nil, err
		}
		rate, err := c.readByte()
		if err != nil {
			return nil, err
		}
		return RunaheadPayload{NewRunAhead: run, NewFrameRate: rate}, nil

	case netcmd.RunaheadMetrics:
		lat, err := c.readF32()
		if err != nil {
			return nil, err
		}
		fps, err := c.readU16()
		if err != nil {
			return nil, err
		}
		return RunaheadMetricsPayload{AverageLatency: lat, AverageFps: fps}, nil

	case netcmd.DestroyPlayer:
		idx, err := c.readU32()
		if err != nil {
			return nil, err
		}
		return DestroyPlayerPayload{PlayerIndex: idx}, nil

	case netcmd.PlayerLeave:
		slot, err := c.readByte()
		if err != nil {
			return nil, err
		}
		return PlayerLeavePayload{LeavingPlayerID: slot}, nil

	case netcmd.Progress:
		pct, err := c.readByte()
		if err != nil {
			return nil, err
		}
		return ProgressPayload{Percentage: pct}, nil

	case netcmd.FrameInfo:
		n, err := c.readU16()
		if err != nil {
			return nil, err
		}
		return FrameInfoPayload{CommandCount: n}, nil

	case netcmd.FrameResendRequest:
		f, err := c.readU32()
		if err != nil {
			return nil, err
		}
		return FrameResendRequestPayload{Frame: f}, nil

	case netcmd.DisconnectPlayer:
		slot, err := c.readByte()
		if err != nil {
			return nil, err
		}
		frame, err := c.readU32()
		if err != nil {
			return nil, err
		}
		return DisconnectPlayerPayload{Slot: slot, DisconnectFrame: frame}, nil

	case netcmd.DisconnectVote:
		slot, err := c.readByte()
		if err != nil {
			return nil, err
		}
		frame, err := c.readU32()
		if err != nil {
			return nil, err
		}
		return DisconnectVotePayload{VoteSlot: slot, VoteFrame: frame}, nil

	case netcmd.DisconnectFrame:
		f, err := c.readU32()
		if err != nil {
			return nil, err
		}
		return DisconnectFramePayload{Frame: f}, nil

	case netcmd.DisconnectScreenOff:
		f, err := c.readU32()
		if err != nil {
			return nil, err
		}
		return DisconnectScreenOffPayload{NewFrame: f}, nil

	case netcmd.File:
		path, err := c.readCString()
		if err != nil {
			return nil, err
		}
		n, err := c.readU32()
		if err != nil {
			return nil, err
		}
		data, err := c.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return FilePayload{Path: path, Data: append([]byte(nil), data...)}, nil

	case netcmd.FileAnnounce:
		path, err := c.readCString()
		if err != nil {
			return nil, err
		}
		id, err := c.readU16()
		if err != nil {
			return nil, err
		}
		mask, err := c.readByte()
		if err != nil {
			return nil, err
		}
		return FileAnnouncePayload{Path: path, CommandID: id, PlayerMask: mask}, nil

	case netcmd.FileProgress:
		id, err := c.readU16()
		if err != nil {
			return nil, err
		}
		prog, err := c.readI32()
		if err != nil {
			return nil, err
		}
		return FileProgressPayload{CommandID: id, Progress: prog}, nil

	case netcmd.Wrapper:
		return decodeWrapperChunkPayload(c)

	default:
		// Kinds with no defined payload (acks, keepalives, mangler and
		// packet-router queries) decode to a nil Payload; Decode already
		// rejected anything outside the closed set.
		return nil, nil
	}
}

// ErrUnknownKind is returned for a numeric command type outside the closed
// command set.
var ErrUnknownKind = fmt.Errorf("wire: unknown command type")
