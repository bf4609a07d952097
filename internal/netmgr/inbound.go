// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package netmgr

import (
	"time"

	"github.com/veldspire/lockstep-net/internal/netcmd"
	"github.com/veldspire/lockstep-net/internal/wire"
)

// Record is the dynamic, duck-typed inbound message shape a pluggable
// transport may hand over instead of already-encoded wire bytes: a numeric
// commandType, a string alias, or a nested getter method — exactly the
// shapes a dynamically-typed host runtime produces. ProcessIncomingRecord
// collapses any of these into the same wire.Command the binary codec would
// have produced and runs it through the identical dispatch pipeline as
// ProcessIncomingCommand.
type Record struct {
	// CommandType, when non-nil, wins over every other resolution path
	// (numeric commandType wins over textual aliases).
	CommandType *uint8

	// GetCommandType models a nested getter-method accessor; consulted
	// only when CommandType is nil.
	GetCommandType func() (uint8, bool)

	// TypeAlias is a textual kind identifier (e.g. "NetCommandType_Chat",
	// "chat", "CHAT"); consulted last, via netcmd.ParseAlias.
	TypeAlias string

	Sender    uint8
	HasSender bool

	ExecutionFrame    uint32
	HasExecutionFrame bool

	CommandID    uint16
	HasCommandID bool

	// FrameHash and LogicCRC ride on a FrameInfo-shaped record: the
	// sender's deterministic frame hash and game-logic CRC for
	// ExecutionFrame. The binary wire format carries neither (the
	// frame-info payload is just the command count); they only exist on
	// the dynamic record shape a host-side transport hands over.
	FrameHash *uint32
	LogicCRC  *uint32

	Payload wire.Payload

	// Wrapped, when non-nil, is a fully reified inner command carried
	// alongside wrapper-chunk metadata in the same message. It
	// takes precedence over this record's own Payload — chunk metadata
	// in the same message is ignored once Wrapped resolves to a known
	// kind.
	Wrapped *Record
}

// resolveKind applies the resolution precedence: numeric commandType,
// then a getter method, then a textual alias.
func (r *Record) resolveKind() (netcmd.Kind, bool) {
	if r.CommandType != nil {
		return netcmd.Kind(*r.CommandType), true
	}
	if r.GetCommandType != nil {
		if v, ok := r.GetCommandType(); ok {
			return netcmd.Kind(v), true
		}
	}
	if r.TypeAlias != "" {
		return netcmd.ParseAlias(r.TypeAlias)
	}
	return 0, false
}

func (r *Record) toCommand(kind netcmd.Kind) *wire.Command {
	return &wire.Command{
		Type:              kind,
		Sender:            r.Sender,
		HasSender:         r.HasSender,
		ExecutionFrame:    r.ExecutionFrame,
		HasExecutionFrame: r.HasExecutionFrame,
		CommandID:         r.CommandID,
		HasCommandID:      r.HasCommandID,
		Payload:           r.Payload,
	}
}

// ProcessIncomingRecord is the dynamic-shape counterpart to
// ProcessIncomingCommand: it resolves r's command kind per the
// precedence rules above and dispatches it exactly as a decoded wire
// command would be. A directly wrapped inner command takes precedence
// over r's own chunk metadata; an unresolvable kind is a silent parse
// failure, returning false.
func (m *Manager) ProcessIncomingRecord(r *Record, sender uint8, now time.Time) bool {
	if r.Wrapped != nil {
		if wrappedKind, ok := r.Wrapped.resolveKind(); ok && netcmd.Known(wrappedKind) {
			return m.dispatchDecoded(r.Wrapped.toCommand(wrappedKind), sender, now)
		}
	}

	kind, ok := r.resolveKind()
	if !ok {
		return false
	}
	consumed := m.dispatchDecoded(r.toCommand(kind), sender, now)
	if consumed && kind == netcmd.FrameInfo {
		reporter := sender
		if r.HasSender {
			reporter = r.Sender
		}
		if r.FrameHash != nil {
			m.kernel.RecordRemoteFrameHash(r.ExecutionFrame, reporter, *r.FrameHash)
		}
		if r.LogicCRC != nil {
			m.kernel.RecordRemoteGameLogicCrc(r.ExecutionFrame, reporter, *r.LogicCRC)
		}
	}
	return consumed
}
