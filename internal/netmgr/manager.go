// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package netmgr implements the Network Manager: the single facade a
// host binds its transport and local frame loop to. It owns one kernel,
// one framestate, one wrapper assembler and one resend archive, and drives
// all four from its own update tick plus incoming-command dispatch. Like
// its owned packages it never spawns a goroutine on its own hot path —
// callers drive update() from their own loop, typically paced to frameRate.
package netmgr

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/veldspire/lockstep-net/internal/archive"
	"github.com/veldspire/lockstep-net/internal/framestate"
	"github.com/veldspire/lockstep-net/internal/kernel"
	"github.com/veldspire/lockstep-net/internal/netcmd"
	"github.com/veldspire/lockstep-net/internal/wrapper"
)

// Transport is the host-supplied send sink. Send delivers already-encoded
// inner-command bytes to every connected peer whose bit is set in
// relayMask. A nil Transport makes every send a silent no-op: transport
// absence is never an error.
type Transport interface {
	Send(data []byte, relayMask uint32) error
}

// Config holds the per-session tunables. A zero Config is not
// usable directly; callers normally obtain one through internal/config's
// LoadSessionConfig + ManagerConfig, which apply the defaults and clamps.
type Config struct {
	ForceSinglePlayer bool
	LocalPlayerID     uint8
	LocalPlayerName   string

	FrameRate uint32
	RunAhead  uint32

	DisconnectTimeoutMs             uint32
	DisconnectPlayerTimeoutMs       uint32
	DisconnectScreenNotifyTimeoutMs uint32
	DisconnectKeepAliveIntervalMs   uint32
}

func (c Config) frameStateConfig() framestate.Config {
	return framestate.Config{
		DisconnectTimeout:             time.Duration(c.DisconnectTimeoutMs) * time.Millisecond,
		DisconnectKeepAliveInterval:   time.Duration(c.DisconnectKeepAliveIntervalMs) * time.Millisecond,
		DisconnectPlayerTimeout:       time.Duration(c.DisconnectPlayerTimeoutMs) * time.Millisecond,
		DisconnectScreenNotifyTimeout: time.Duration(c.DisconnectScreenNotifyTimeoutMs) * time.Millisecond,
	}
}

// Manager is the network facade. It is not safe for concurrent use; exactly one
// goroutine (the host's frame loop) may call into it.
type Manager struct {
	cfg Config

	kernel  *kernel.Kernel
	frames  *framestate.State
	wrapper *wrapper.Assembler
	archive *archive.Archive

	transport Transport

	connected        map[uint8]bool
	everDisconnected map[uint8]bool
	packetRouter     uint8
	hasPacketRouter  bool

	playerNames map[uint8]string
	playerSides map[uint8]string

	gameFrame          uint32
	lastExecutionFrame uint32
	nextCmdID          uint16

	lastTickAt time.Time

	fileTransfers map[uint16]*fileTransfer

	chatHistory []ChatEntry

	peerMetrics map[uint8]PeerMetrics

	// Host hooks. Each is optional; nil means "nobody is listening".
	OnChat                func(sender uint8, text string, mask int32)
	OnDisconnectChat      func(sender uint8, text string)
	OnFileAnnounce        func(sender uint8, commandID uint16, path string, mask uint8)
	OnFileData            func(sender uint8, path string, data []byte)
	OnFileProgress        func(sender uint8, commandID uint16, progress int32)
	OnPlayerLeave         func(sender uint8)
	OnDisconnectVoteTally func(target uint8, frame uint32, count int)
	OnPacketRouterQuery   func(sender uint8)
	OnPacketRouterAck     func(sender uint8)
}

// PeerMetrics is the latest runahead-metrics sample reported by a peer.
type PeerMetrics struct {
	AverageLatency float32
	AverageFps     uint16
}

// fileTransfer is one announced transfer's record: path plus per-slot progress.
// progress is seeded at announce time and only ever raised.
type fileTransfer struct {
	path     string
	mask     uint8
	progress map[uint8]int32
}

// ChatEntry is one pushed chat-history record.
type ChatEntry struct {
	Sender uint8
	Text   string
	Mask   int32
}

// New constructs a Manager in its initial state: screen-off, frameReady
// true, and an empty connection set. The local slot is not added here; it
// joins only through AddPlayer or LoadUserList.
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:              cfg,
		kernel:           kernel.New(),
		frames:           framestate.New(cfg.frameStateConfig()),
		wrapper:          wrapper.New(),
		archive:          archive.New(),
		connected:        make(map[uint8]bool),
		everDisconnected: make(map[uint8]bool),
		playerNames:      make(map[uint8]string),
		playerSides:      make(map[uint8]string),
		fileTransfers:    make(map[uint16]*fileTransfer),
		peerMetrics:      make(map[uint8]PeerMetrics),
	}
	return m
}

// Reset reinitializes the owned kernel, framestate, wrapper assembler and
// archive back to their New() shapes, keeping Config and Transport as-is
// (reset keeps the session alive, distinct from Dispose).
func (m *Manager) Reset() {
	m.kernel.Reset()
	m.frames = framestate.New(m.cfg.frameStateConfig())
	m.wrapper = wrapper.New()
	m.archive = archive.New()
	m.connected = make(map[uint8]bool)
	m.everDisconnected = make(map[uint8]bool)
	m.hasPacketRouter = false
	m.gameFrame = 0
	m.lastExecutionFrame = 0
	m.nextCmdID = 0
	m.fileTransfers = make(map[uint16]*fileTransfer)
	m.chatHistory = nil
	m.peerMetrics = make(map[uint8]PeerMetrics)
}

// Dispose detaches the transport and drops every owned sub-package,
// leaving the Manager unusable until a fresh New().
func (m *Manager) Dispose() {
	m.transport = nil
	m.kernel = nil
	m.frames = nil
	m.wrapper = nil
	m.archive = nil
}

// SetTransport attaches (or, with nil, detaches) the host's send sink.
func (m *Manager) SetTransport(t Transport) {
	m.transport = t
}

// SetSectionWriters installs the game-logic CRC section writers,
// delegating straight to the owned kernel.
func (m *Manager) SetSectionWriters(writers []kernel.SectionWriter) {
	m.kernel.SetSectionWriters(writers)
}

func (m *Manager) send(data []byte, relayMask uint32) {
	if m.transport == nil || m.cfg.ForceSinglePlayer {
		return
	}
	m.transport.Send(data, relayMask)
}

func (m *Manager) allocCommandID() uint16 {
	id := m.nextCmdID
	m.nextCmdID++
	return id
}

// --- Connection-set bookkeeping ---

// AddPlayer marks slot connected and seeds its stall-detection baseline at
// now. A slot that has already been disconnected this session can never be
// re-added — disconnection is monotonic: once IsPlayerConnected(s) returns
// false it must never return true again.
func (m *Manager) AddPlayer(slot uint8, now time.Time) {
	if m.everDisconnected[slot] {
		return
	}
	m.connected[slot] = true
	m.frames.SeedPeer(slot, now)
	m.frames.RecordAdvance(now)
}

// RemovePlayer marks slot disconnected, stops tracking it for stall
// purposes, and permanently excludes it from future AddPlayer calls.
func (m *Manager) RemovePlayer(slot uint8) {
	delete(m.connected, slot)
	m.everDisconnected[slot] = true
	m.frames.ForgetPeer(slot)
}

// IsPlayerConnected reports whether slot is currently in the connection
// set. Disconnection is monotonic: once false, a slot never reports true
// again within the session.
func (m *Manager) IsPlayerConnected(slot uint8) bool {
	return m.connected[slot]
}

// SetPacketRouter records which connected slot currently holds the
// packet-router role; disconnect evictions and screen-off acks are
// only authoritative when they originate from this slot.
func (m *Manager) SetPacketRouter(slot uint8) {
	m.packetRouter = slot
	m.hasPacketRouter = true
}

// ConnectedSlots returns every currently connected slot, in ascending
// order, for use as a BuildResendPlan/IsFrameDataReady connected set.
func (m *Manager) ConnectedSlots() []uint8 {
	slots := make([]uint8, 0, len(m.connected))
	for s := range m.connected {
		slots = append(slots, s)
	}
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j-1] > slots[j]; j-- {
			slots[j-1], slots[j] = slots[j], slots[j-1]
		}
	}
	return slots
}

// UserEntry is one occupied human slot parsed out of a host user list:
// its slot number, display name, faction side, and whether the list
// marked it as the local player.
type UserEntry struct {
	Slot  uint8
	Name  string
	Side  string
	Local bool
}

// UserLister is the indexed-accessor user-list shape: a host object that
// exposes its slot table one entry at a time.
type UserLister interface {
	UserCount() int
	UserAt(i int) (name string, ok bool)
}

// ParseUserList normalizes a user-list payload of unknown shape into
// occupied human slots, sorted by slot number. Accepted shapes: a []string
// indexed by slot, a map[uint8]string (slot -> name), a legacy
// comma-separated "slot:name[:side]" string, an indexed accessor
// (UserLister), an already-normalized []uint8, or a map[uint8]bool.
// Within name fields, a leading '*' marks the local slot, and AI or
// unoccupied slots — empty names, "open", "closed", or names with an
// "ai:" prefix — are excluded. Anything else yields an empty, non-nil
// slice rather than an error, consistent with the dispatch layer's
// parse-failures-are-silently-dropped rule.
func ParseUserList(raw interface{}) []UserEntry {
	switch v := raw.(type) {
	case []string:
		var out []UserEntry
		for i, name := range v {
			if i >= netcmd.MaxSlots {
				break
			}
			if e, ok := parseUserName(uint8(i), name); ok {
				out = append(out, e)
			}
		}
		return normalizeUserEntries(out)
	case map[uint8]string:
		var out []UserEntry
		for slot, name := range v {
			if e, ok := parseUserName(slot, name); ok {
				out = append(out, e)
			}
		}
		return normalizeUserEntries(out)
	case string:
		return parseLegacyUserListString(v)
	case UserLister:
		var out []UserEntry
		for i := 0; i < v.UserCount() && i < netcmd.MaxSlots; i++ {
			name, ok := v.UserAt(i)
			if !ok {
				continue
			}
			if e, ok := parseUserName(uint8(i), name); ok {
				out = append(out, e)
			}
		}
		return normalizeUserEntries(out)
	case []uint8:
		out := make([]UserEntry, 0, len(v))
		for _, slot := range v {
			out = append(out, UserEntry{Slot: slot})
		}
		return normalizeUserEntries(out)
	case map[uint8]bool:
		var out []UserEntry
		for slot, present := range v {
			if present {
				out = append(out, UserEntry{Slot: slot})
			}
		}
		return normalizeUserEntries(out)
	default:
		return []UserEntry{}
	}
}

// parseUserName splits a "name[:side]" field, recognizing the local-slot
// marker and the AI/unoccupied forms that must be excluded.
func parseUserName(slot uint8, field string) (UserEntry, bool) {
	e := UserEntry{Slot: slot}
	field = strings.TrimSpace(field)
	if strings.HasPrefix(field, "*") {
		e.Local = true
		field = field[1:]
	}
	if strings.HasPrefix(strings.ToLower(field), "ai:") {
		return UserEntry{}, false
	}
	if idx := strings.IndexByte(field, ':'); idx >= 0 {
		e.Side = field[idx+1:]
		field = field[:idx]
	}
	e.Name = field
	if e.Name == "" || strings.EqualFold(e.Name, "open") || strings.EqualFold(e.Name, "closed") {
		return UserEntry{}, false
	}
	return e, true
}

func normalizeUserEntries(entries []UserEntry) []UserEntry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slot < entries[j].Slot })
	if entries == nil {
		entries = []UserEntry{}
	}
	return entries
}

func parseLegacyUserListString(s string) []UserEntry {
	var out []UserEntry
	for _, entry := range strings.Split(s, ",") {
		if entry == "" {
			continue
		}
		slotField := entry
		rest := ""
		if idx := strings.IndexByte(entry, ':'); idx >= 0 {
			slotField = entry[:idx]
			rest = entry[idx+1:]
		}
		n, err := strconv.Atoi(strings.TrimPrefix(slotField, "*"))
		if err != nil || n < 0 || n >= netcmd.MaxSlots {
			continue
		}
		if rest == "" {
			out = append(out, UserEntry{Slot: uint8(n), Local: strings.HasPrefix(slotField, "*")})
			continue
		}
		if strings.HasPrefix(slotField, "*") {
			rest = "*" + rest
		}
		if e, ok := parseUserName(uint8(n), rest); ok {
			out = append(out, e)
		}
	}
	return normalizeUserEntries(out)
}

// LoadUserList parses raw per ParseUserList and applies the result: every
// occupied human slot joins the connection set, its name/side land in the
// slot tables, and a local-slot hint overrides the configured local
// player id. New and Reset assign no packet router; unless SetPacketRouter
// has already assigned one, this call gives slot 0 the role.
func (m *Manager) LoadUserList(raw interface{}, now time.Time) []UserEntry {
	entries := ParseUserList(raw)
	for _, e := range entries {
		m.AddPlayer(e.Slot, now)
		if e.Name != "" {
			m.playerNames[e.Slot] = e.Name
		}
		if e.Side != "" {
			m.playerSides[e.Slot] = e.Side
		}
		if e.Local {
			m.cfg.LocalPlayerID = e.Slot
		}
	}
	if !m.hasPacketRouter {
		m.SetPacketRouter(0)
	}
	return entries
}

// PlayerName returns the display name recorded for slot, if any.
func (m *Manager) PlayerName(slot uint8) (string, bool) {
	name, ok := m.playerNames[slot]
	return name, ok
}

// PlayerSide returns the faction side recorded for slot, if any.
func (m *Manager) PlayerSide(slot uint8) (string, bool) {
	side, ok := m.playerSides[slot]
	return side, ok
}

func sortedUint8(s []uint8) []uint8 {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
	return s
}

// --- Frame notification bookkeeping ---

// NotifyOthersOfNewFrame records that frame is the new expected network
// frame and increments the pending-notice counter, delegating to the
// owned framestate.
func (m *Manager) NotifyOthersOfNewFrame(frame uint32) {
	m.frames.NotifyOthersOfNewFrame(frame)
}

// NotifyOthersOfCurrentFrame increments the pending-notice counter without
// changing the expected network frame.
func (m *Manager) NotifyOthersOfCurrentFrame() {
	m.frames.NotifyOthersOfCurrentFrame()
}

// --- Frame-hash / game-logic CRC accessors (delegate to kernel) ---

func (m *Manager) RecordLocalFrameHash() uint32 {
	return m.kernel.RecordLocalFrameHash(m.gameFrame)
}

// GetDeterministicFrameHash returns the local frame hash recorded for
// frame, if one exists.
func (m *Manager) GetDeterministicFrameHash(frame uint32) (uint32, bool) {
	return m.kernel.DeterministicFrameHash(frame)
}

// ComputeGameLogicCrc runs the configured section writers for frame,
// returning (0, false) while no writers are installed.
func (m *Manager) ComputeGameLogicCrc(frame uint32) (uint32, bool) {
	return m.kernel.ComputeGameLogicCrc(frame)
}

func (m *Manager) RecordRemoteFrameHash(frame uint32, slot uint8, hash uint32) {
	m.kernel.RecordRemoteFrameHash(frame, slot, hash)
}

func (m *Manager) SawCRCMismatch() bool {
	return m.kernel.SawCRCMismatch()
}

// LocalGameLogicCrc returns the locally computed game-logic CRC for frame,
// if section writers have produced one.
func (m *Manager) LocalGameLogicCrc(frame uint32) (uint32, bool) {
	return m.kernel.LocalGameLogicCrc(frame)
}

// RecordRemoteGameLogicCrc records a peer-reported game-logic CRC for
// frame, reconciling it against the local value if one is already known.
func (m *Manager) RecordRemoteGameLogicCrc(frame uint32, slot uint8, crc uint32) {
	m.kernel.RecordRemoteGameLogicCrc(frame, slot, crc)
}

func (m *Manager) Consensus(frame uint32) kernel.ConsensusResult {
	return m.kernel.Consensus(frame, m.remoteConnectedSlots())
}

// remoteConnectedSlots returns every connected slot other than the local
// player's own — the set the readiness gate and the consensus
// evaluation both reconcile against, since a peer is never waiting on its
// own FrameInfo/CRC report.
func (m *Manager) remoteConnectedSlots() []uint8 {
	if m.cfg.ForceSinglePlayer {
		return nil
	}
	peers := make([]uint8, 0, len(m.connected))
	for s := range m.connected {
		if s != m.cfg.LocalPlayerID {
			peers = append(peers, s)
		}
	}
	return sortedUint8(peers)
}

// GameFrame returns the current local game frame counter.
func (m *Manager) GameFrame() uint32 {
	return m.gameFrame
}

// ExecutionFrame returns the earliest frame a locally issued command may
// be scheduled into: max(lastExecutionFrame, gameFrame + runAhead).
func (m *Manager) ExecutionFrame() uint32 {
	e := m.gameFrame + m.cfg.RunAhead
	if e < m.lastExecutionFrame {
		e = m.lastExecutionFrame
	}
	m.lastExecutionFrame = e
	return e
}

// DeterministicFrameHashMismatchFrames returns the frames at which a
// frame-hash or game-logic-CRC mismatch has been observed. Frames that have
// left the retention window (pruned by Update and ConsumeReadyFrame) are
// no longer listed.
func (m *Manager) DeterministicFrameHashMismatchFrames() []uint32 {
	return m.kernel.DeterministicFrameHashMismatchFrames()
}

// SawFrameCommandCountMismatch reports whether any peer's synchronized
// command count has ever exceeded its announced FrameInfo expectation.
func (m *Manager) SawFrameCommandCountMismatch() bool {
	return m.frames.SawFrameCommandCountMismatch()
}

// GetFrameResendRequests returns every frame-resend request raised so far,
// in the order they were triggered.
func (m *Manager) GetFrameResendRequests() []framestate.ResendRequest {
	return m.frames.ResendRequests()
}

// IsFrameDataReady reports whether the current game frame is ready to
// execute: frameReady set, every connected peer's announced command
// count satisfied, and the continuation gate (if any) agreeing.
func (m *Manager) IsFrameDataReady() bool {
	return m.frames.IsFrameDataReady(m.gameFrame, m.remoteConnectedSlots())
}

// ConsumeReadyFrame claims frame exactly once: readiness must be
// satisfied at call time (so a caller need not have gone through a prior
// Update() tick for this exact frame), and a second call for the same
// frame returns false. On success the expectation entries for frame are
// cleared, the archive is pruned, and the kernel's validation window
// advances with it.
func (m *Manager) ConsumeReadyFrame(frame uint32) bool {
	if !m.frames.IsFrameDataReady(frame, m.remoteConnectedSlots()) {
		return false
	}
	m.frames.MarkReady(frame)
	if !m.frames.ConsumeReadyFrame(frame) {
		return false
	}
	m.archive.PruneHistory(frame)
	if frame+1 > archiveWindow {
		m.kernel.PruneBefore(frame + 1 - archiveWindow)
	}
	return true
}

// ChatHistory returns every chat entry pushed so far, in arrival order.
func (m *Manager) ChatHistory() []ChatEntry {
	return m.chatHistory
}

// GetFileTransferProgress returns slot's completion percentage for a
// transfer of path, and whether any such transfer is known at all. When
// several transfers share path, which one is reported is not defined.
func (m *Manager) GetFileTransferProgress(slot uint8, path string) (int32, bool) {
	var found *fileTransfer
	for _, ft := range m.fileTransfers {
		if ft.path == path {
			found = ft
		}
	}
	if found == nil {
		return 0, false
	}
	return found.progress[slot], true
}

// seedFileTransferProgress opens progress bookkeeping for a freshly
// announced transfer: 0 for every slot set in mask, 100 for everyone else
// (a slot that was never asked to receive the file is already done).
func seedFileTransferProgress(mask uint8) map[uint8]int32 {
	progress := make(map[uint8]int32, netcmd.MaxSlots)
	for slot := uint8(0); slot < netcmd.MaxSlots; slot++ {
		if mask&(1<<slot) != 0 {
			progress[slot] = 0
		} else {
			progress[slot] = 100
		}
	}
	return progress
}
