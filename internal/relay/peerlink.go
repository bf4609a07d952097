// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veldspire/lockstep-net/internal/pki"
)

// PeerLink state constants.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// ReceiveFunc is called on every frame the relay forwards to this peer,
// on the link's own read goroutine. It must not block, and because the
// Manager is single-threaded, it should hand the frame to the goroutine
// that drives Update (a buffered channel) rather than call
// ProcessIncomingCommand directly.
type ReceiveFunc func(payload []byte, senderSlot uint8)

// PeerLinkConfig holds the dial target and TLS material for one peer's
// connection to a relay.
type PeerLinkConfig struct {
	RelayAddress string
	Slot         uint8
	CACertPath   string
	CertPath     string
	KeyPath      string
	DSCP         int
	EgressBpsCap int64
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// PeerLink is a peer's reconnecting connection to a packet-router relay.
// It implements netmgr.Transport: Send marshals a frame and writes it to
// the relay for rebroadcast under the caller's relay mask. Reconnection
// runs on its own goroutine; the lockstep kernel packages never see it.
type PeerLink struct {
	cfg    PeerLinkConfig
	logger *slog.Logger

	conn   net.Conn
	connW  io.Writer // conn, optionally wrapped by a ThrottledWriter
	connMu sync.Mutex

	writeMu sync.Mutex

	state   atomic.Value // string
	onFrame atomic.Value // ReceiveFunc

	stopCh chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup
}

// NewPeerLink creates a PeerLink that has not yet dialed anything.
func NewPeerLink(cfg PeerLinkConfig, logger *slog.Logger) *PeerLink {
	pl := &PeerLink{
		cfg:    cfg,
		logger: logger.With("component", "peer_link"),
		stopCh: make(chan struct{}),
	}
	pl.state.Store(StateDisconnected)
	return pl
}

// SetReceiveFunc registers the callback invoked for every frame received
// from the relay. Must be called before Start.
func (pl *PeerLink) SetReceiveFunc(fn ReceiveFunc) {
	pl.onFrame.Store(fn)
}

// Start begins the dial-and-reconnect loop on a background goroutine.
func (pl *PeerLink) Start() {
	pl.wg.Add(1)
	go pl.run()
}

// Stop closes the connection and waits for the loop goroutine to exit.
func (pl *PeerLink) Stop() {
	pl.stopMu.Do(func() {
		close(pl.stopCh)
	})

	pl.connMu.Lock()
	if pl.conn != nil {
		pl.conn.Close()
	}
	pl.connMu.Unlock()

	pl.wg.Wait()
	pl.state.Store(StateDisconnected)
}

// State returns the link's current connection state.
func (pl *PeerLink) State() string {
	return pl.state.Load().(string)
}

// Send implements netmgr.Transport. A frame fails silently into a log
// line when not connected; netmgr itself never treats transport absence
// as fatal.
func (pl *PeerLink) Send(data []byte, relayMask uint32) error {
	pl.connMu.Lock()
	w := pl.connW
	pl.connMu.Unlock()

	if w == nil {
		return nil
	}

	pl.writeMu.Lock()
	err := WriteFrame(w, Frame{RelayMask: relayMask, Payload: data})
	pl.writeMu.Unlock()

	if err != nil {
		pl.logger.Warn("peer link send failed", "error", err)
	}
	return err
}

func (pl *PeerLink) run() {
	defer pl.wg.Done()

	delay := pl.cfg.ReconnectMin
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := pl.cfg.ReconnectMax
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	for {
		select {
		case <-pl.stopCh:
			return
		default:
		}

		pl.state.Store(StateConnecting)
		conn, err := pl.connect()
		if err != nil {
			pl.logger.Warn("peer link connect failed", "error", err, "retry_in", delay)
			pl.state.Store(StateDisconnected)

			select {
			case <-pl.stopCh:
				return
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * 2)
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		delay = pl.cfg.ReconnectMin
		if delay <= 0 {
			delay = time.Second
		}

		pl.connMu.Lock()
		pl.conn = conn
		// Bulk sends (file transfers, resend replays) are shaped so they
		// never starve this same link's keep-alive cadence.
		pl.connW = NewThrottledWriter(context.Background(), conn, pl.cfg.EgressBpsCap)
		pl.connMu.Unlock()

		pl.state.Store(StateConnected)
		pl.logger.Info("peer link connected", "relay", pl.cfg.RelayAddress)

		pl.readLoop(conn)

		pl.connMu.Lock()
		if pl.conn != nil {
			pl.conn.Close()
			pl.conn = nil
			pl.connW = nil
		}
		pl.connMu.Unlock()

		pl.state.Store(StateDisconnected)
		pl.logger.Info("peer link disconnected, will reconnect")
	}
}

func (pl *PeerLink) connect() (net.Conn, error) {
	tlsCfg, err := pki.NewClientTLSConfig(pl.cfg.CACertPath, pl.cfg.CertPath, pl.cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(pl.cfg.RelayAddress)
	if err != nil {
		host = pl.cfg.RelayAddress
	}
	tlsCfg.ServerName = host

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.Dial("tcp", pl.cfg.RelayAddress)
	if err != nil {
		return nil, err
	}

	if err := ApplyDSCP(rawConn, pl.cfg.DSCP); err != nil {
		pl.logger.Debug("failed to apply DSCP to peer link", "error", err)
	}

	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		rawConn.Close()
		return nil, err
	}

	if err := WriteHello(tlsConn, Hello{Slot: pl.cfg.Slot}); err != nil {
		tlsConn.Close()
		return nil, err
	}

	return tlsConn, nil
}

func (pl *PeerLink) readLoop(conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		select {
		case <-pl.stopCh:
			return
		default:
		}

		frame, err := ReadFrame(br)
		if err != nil {
			pl.logger.Debug("peer link read failed", "error", err)
			return
		}

		if fn, ok := pl.onFrame.Load().(ReceiveFunc); ok && fn != nil {
			fn(frame.Payload, frame.SenderSlot)
		}
	}
}
