// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/veldspire/lockstep-net/internal/pki"
)

// ServerConfig holds a relay hub's listen address, TLS material, and slot
// capacity.
type ServerConfig struct {
	Listen         string
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
	MaxSlots       int
	DSCP           int
}

// Server is the packet-router relay hub: a thin forwarder that accepts
// one TLS connection per peer, reads length-prefixed frames, and
// rebroadcasts each frame's payload to every other connected slot whose
// bit is set in the frame's relay mask. It never parses the inner
// wire-encoded command — kernel semantics live entirely on the peers.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu    sync.RWMutex
	slots map[uint8]*slotConn

	recorder *ReplayBuffer
}

type slotConn struct {
	conn    net.Conn
	slot    uint8
	writeMu sync.Mutex
}

// NewServer creates a relay Server. recorder may be nil to disable replay
// capture.
func NewServer(cfg ServerConfig, recorder *ReplayBuffer, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "relay_server"),
		slots:    make(map[uint8]*slotConn),
		recorder: recorder,
	}
}

// Run starts the TLS listener and blocks accepting connections until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	tlsCfg, err := pki.NewServerTLSConfig(s.cfg.CACertPath, s.cfg.ServerCertPath, s.cfg.ServerKeyPath)
	if err != nil {
		return fmt.Errorf("configuring relay TLS: %w", err)
	}

	ln, err := tls.Listen("tcp", s.cfg.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}
	defer ln.Close()

	s.logger.Info("relay listening", "address", s.cfg.Listen)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down relay")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.logger.Info("relay shutdown complete")
				return nil
			default:
				consecutiveErrors++
				s.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		go s.handleConn(ctx, conn)
	}
}

// ConnectedSlots reports which slots currently hold a live connection, as
// a bitmask matching netmgr's own relay-mask convention.
func (s *Server) ConnectedSlots() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mask uint32
	for slot := range s.slots {
		mask |= 1 << slot
	}
	return mask
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := ApplyDSCP(conn, s.cfg.DSCP); err != nil {
		s.logger.Debug("failed to apply DSCP to peer connection", "error", err)
	}

	hello, err := ReadHello(conn)
	if err != nil {
		s.logger.Warn("rejecting connection: bad hello", "error", err, "remote", conn.RemoteAddr())
		return
	}

	if s.cfg.MaxSlots > 0 && int(hello.Slot) >= s.cfg.MaxSlots {
		s.logger.Warn("rejecting connection: slot out of range", "slot", hello.Slot, "max_slots", s.cfg.MaxSlots)
		return
	}

	sc := &slotConn{conn: conn, slot: hello.Slot}

	s.mu.Lock()
	if existing, ok := s.slots[hello.Slot]; ok {
		existing.conn.Close()
	}
	s.slots[hello.Slot] = sc
	s.mu.Unlock()

	s.logger.Info("peer connected", "slot", hello.Slot, "remote", conn.RemoteAddr())

	defer func() {
		s.mu.Lock()
		if s.slots[hello.Slot] == sc {
			delete(s.slots, hello.Slot)
		}
		s.mu.Unlock()
		s.logger.Info("peer disconnected", "slot", hello.Slot)
	}()

	br := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := ReadFrame(br)
		if err != nil {
			s.logger.Debug("peer read failed", "slot", hello.Slot, "error", err)
			return
		}

		if s.recorder != nil {
			if full, err := s.recorder.Append(0, frame.RelayMask, frame.Payload); err != nil {
				s.logger.Warn("replay append failed", "error", err)
			} else if full {
				s.logger.Debug("replay segment at size budget, awaiting scheduled rotation")
			}
		}

		frame.SenderSlot = hello.Slot
		s.forward(hello.Slot, frame)
	}
}

// forward rebroadcasts frame to every connected slot except sender whose
// bit is set in frame.RelayMask.
func (s *Server) forward(sender uint8, frame Frame) {
	s.mu.RLock()
	targets := make([]*slotConn, 0, len(s.slots))
	for slot, sc := range s.slots {
		if slot == sender {
			continue
		}
		if frame.RelayMask&(1<<slot) == 0 {
			continue
		}
		targets = append(targets, sc)
	}
	s.mu.RUnlock()

	for _, sc := range targets {
		sc.writeMu.Lock()
		err := WriteFrame(sc.conn, frame)
		sc.writeMu.Unlock()
		if err != nil {
			s.logger.Debug("forward failed", "slot", sc.slot, "error", err)
		}
	}
}
