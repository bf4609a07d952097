// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package wire

import (
	"fmt"

	"github.com/veldspire/lockstep-net/internal/netcmd"
)

// Tag markers for the inner-command format. T must appear first;
// P, F, R and C may follow in any order; D always terminates the header and
// introduces the kind-specific payload.
const (
	tagType           = 'T'
	tagSender         = 'P'
	tagExecutionFrame = 'F'
	tagRelayOrder     = 'R'
	tagCommandID      = 'C'
	tagPayload        = 'D'
)

// Command is a single decoded inner command: the tagged header fields plus
// its kind-specific payload.
type Command struct {
	Type netcmd.Kind

	Sender    uint8
	HasSender bool

	ExecutionFrame    uint32
	HasExecutionFrame bool

	CommandID    uint16
	HasCommandID bool

	Payload Payload
}

// ErrMissingType is returned when a buffer does not open with the required
// "T" tag.
var ErrMissingType = fmt.Errorf("wire: command missing leading T tag")

// ErrUnknownTag is returned for a header byte outside {P,F,R,C,D}.
var ErrUnknownTag = fmt.Errorf("wire: unrecognized header tag")

// Decode parses a single inner command from buf. buf must be the complete,
// already-reassembled command body (never a partial wrapper chunk).
func Decode(buf []byte) (*Command, error) {
	c := newCursor(buf)

	tag, err := c.readByte()
	if err != nil {
		return nil, ErrMissingType
	}
	if tag != tagType {
		return nil, ErrMissingType
	}
	kindByte, err := c.readByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if !netcmd.Known(netcmd.Kind(kindByte)) {
		return nil, ErrUnknownKind
	}
	cmd := &Command{Type: netcmd.Kind(kindByte)}

	for {
		tag, err := c.readByte()
		if err != nil {
			// A buffer with no payload and no trailing D is still a valid
			// header-only command (e.g. a disconnect-keepalive's C tag is
			// its only content).
			return cmd, nil
		}
		switch tag {
		case tagSender:
			b, err := c.readByte()
			if err != nil {
				return nil, ErrTruncated
			}
			cmd.Sender = b
			cmd.HasSender = true

		case tagExecutionFrame:
			f, err := c.readU32()
			if err != nil {
				return nil, ErrTruncated
			}
			cmd.ExecutionFrame = f
			cmd.HasExecutionFrame = true

		case tagRelayOrder:
			// Relay marker: present on the wire for router bookkeeping but
			// never consulted by the kernel, so it is read and discarded.
			if _, err := c.readByte(); err != nil {
				return nil, ErrTruncated
			}

		case tagCommandID:
			id, err := c.readU16()
			if err != nil {
				return nil, ErrTruncated
			}
			cmd.CommandID = id
			cmd.HasCommandID = true

		case tagPayload:
			payload, err := decodePayload(cmd.Type, c)
			if err != nil {
				return nil, err
			}
			cmd.Payload = payload
			return cmd, nil

		default:
			return nil, ErrUnknownTag
		}
	}
}

// Encode serializes cmd into the tagged inner-command format. R is never
// emitted: it is a legacy relay-order hint the kernel only ever consumes.
func Encode(cmd *Command) []byte {
	w := &writer{}
	w.writeByte(tagType)
	w.writeByte(byte(cmd.Type))

	if cmd.HasSender {
		w.writeByte(tagSender)
		w.writeByte(cmd.Sender)
	}
	if cmd.HasExecutionFrame {
		w.writeByte(tagExecutionFrame)
		w.writeU32(cmd.ExecutionFrame)
	}
	if cmd.HasCommandID {
		w.writeByte(tagCommandID)
		w.writeU16(cmd.CommandID)
	}
	if cmd.Payload != nil {
		w.writeByte(tagPayload)
		cmd.Payload.encode(w)
	}
	return w.bytes()
}
