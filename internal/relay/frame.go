// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package relay implements the hub a lockstep peer dials to reach its
// other peers: a thin packet forwarder that knows nothing about frame
// hashes, CRCs, or command kinds. The kernel's own wire format is
// carried as an opaque payload inside the relay's own framing; the relay
// never decodes it.
package relay

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// relayMagic identifies a lockstep-relay frame stream, checked at the start
// of every new connection before any frame is trusted.
var relayMagic = [4]byte{'L', 'S', 'R', '1'}

const relayVersion = 1

// ErrInvalidMagic is returned when a peer greets the relay with bytes
// that don't start a lockstep-relay stream.
var ErrInvalidMagic = fmt.Errorf("relay: invalid magic")

// ErrInvalidVersion is returned when a peer's protocol version isn't one
// this relay build understands.
var ErrInvalidVersion = fmt.Errorf("relay: unsupported protocol version")

// maxFramePayload bounds a single frame's payload to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const maxFramePayload = 4 << 20 // 4 MiB

// Hello is the first frame a dialing peer sends: it claims a slot before
// any command traffic flows.
type Hello struct {
	Slot uint8
}

// WriteHello writes a peer's slot claim to w.
func WriteHello(w io.Writer, h Hello) error {
	if _, err := w.Write(relayMagic[:]); err != nil {
		return fmt.Errorf("writing magic: %w", err)
	}
	if _, err := w.Write([]byte{relayVersion, h.Slot}); err != nil {
		return fmt.Errorf("writing hello body: %w", err)
	}
	return nil
}

// ReadHello reads and validates a peer's slot claim from r.
func ReadHello(r io.Reader) (Hello, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Hello{}, fmt.Errorf("reading hello magic: %w", err)
	}
	if magic != relayMagic {
		return Hello{}, ErrInvalidMagic
	}
	var body [2]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return Hello{}, fmt.Errorf("reading hello body: %w", err)
	}
	if body[0] != relayVersion {
		return Hello{}, ErrInvalidVersion
	}
	return Hello{Slot: body[1]}, nil
}

// Frame is one relayed packet: an opaque wire-encoded inner command
// plus the relay mask the sender wants it delivered to. SenderSlot
// is stamped by the relay hub before forwarding, so a receiving peer can
// attribute the inner command to the slot that actually sent it without
// the relay ever decoding the payload itself.
type Frame struct {
	RelayMask  uint32
	SenderSlot uint8
	Payload    []byte
}

// WriteFrame writes a length-prefixed frame: u32 total length, u32 relay
// mask, one sender-slot byte, then the payload bytes, all little-endian.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxFramePayload {
		return fmt.Errorf("relay: frame payload %d exceeds max %d", len(f.Payload), maxFramePayload)
	}
	header := make([]byte, 9)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint32(header[4:8], f.RelayMask)
	header[8] = f.SenderSlot
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from a buffered reader, rejecting a declared
// length larger than maxFramePayload before allocating.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	if length > maxFramePayload {
		return Frame{}, fmt.Errorf("relay: declared frame length %d exceeds max %d", length, maxFramePayload)
	}
	mask := binary.LittleEndian.Uint32(header[4:8])
	sender := header[8]
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("reading frame payload: %w", err)
	}
	return Frame{RelayMask: mask, SenderSlot: sender, Payload: payload}, nil
}
