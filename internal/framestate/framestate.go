// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package framestate implements the per-player frame-command expectation
// ledger, resend-request generation, the frame readiness gate, and the
// disconnect stall/keep-alive/vote state machine. Like kernel, it never
// spawns a goroutine or takes a lock; timers are polled wall-clock reads
// driven by the owning Manager's update tick.
package framestate

import "time"

// ScreenState mirrors the local "is the simulation stalled" view.
type ScreenState int

const (
	ScreenOff ScreenState = iota
	ScreenOn
)

// expectationKey identifies one (slot, frame) command-count expectation.
type expectationKey struct {
	slot  uint8
	frame uint32
}

// Expectation tracks a slot's announced (via FrameInfo) and actually
// received synchronized command counts for one frame. resendFlagged keeps
// a mismatch from raising more than one resend request: the replayed
// commands a request provokes would otherwise re-trigger it, ping-ponging
// requests and replays between the two peers forever.
type Expectation struct {
	Expected    uint32
	HasExpected bool
	Received    uint32

	resendFlagged bool
}

// ResendRequest records that slot's reported command count for frame was
// exceeded (or unknown) and a resend should be requested.
type ResendRequest struct {
	Slot  uint8
	Frame uint32
}

type voteKey struct {
	target uint8
	frame  uint32
}

// Config holds the wall-clock intervals that drive the disconnect state
// machine.
type Config struct {
	DisconnectTimeout             time.Duration
	DisconnectKeepAliveInterval   time.Duration
	DisconnectPlayerTimeout       time.Duration
	DisconnectScreenNotifyTimeout time.Duration
}

// State is the owned frame-expectation and disconnect sub-state of one
// lockstep session. A Manager is the sole caller; it resolves connected-set
// membership and transport sends around these pure bookkeeping methods.
type State struct {
	cfg Config

	frameReady           bool
	expectedNetworkFrame uint32
	pendingFrameNotices  uint32
	readyFrames          map[uint32]struct{}

	commandExpectation      map[expectationKey]*Expectation
	resendRequests          []ResendRequest
	sawCommandCountMismatch bool

	continuationGate func(frame uint32) bool

	hasConsumed bool
	maxConsumed uint32

	screenState            ScreenState
	lastHeardMs            map[uint8]time.Time
	lastAdvanceAt          time.Time
	lastKeepAliveSentAt    time.Time
	lastScreenNotifyAt     time.Time
	disconnectVotes        map[voteKey]map[uint8]struct{}
	disconnectFrameByPeer  map[uint8]uint32
	disconnectFrameReceipt map[uint8]struct{}
}

// New returns a State in its initial shape: frameReady true, screen-off.
func New(cfg Config) *State {
	return &State{
		cfg:                    cfg,
		frameReady:             true,
		readyFrames:            make(map[uint32]struct{}),
		commandExpectation:     make(map[expectationKey]*Expectation),
		lastHeardMs:            make(map[uint8]time.Time),
		disconnectVotes:        make(map[voteKey]map[uint8]struct{}),
		disconnectFrameByPeer:  make(map[uint8]uint32),
		disconnectFrameReceipt: make(map[uint8]struct{}),
	}
}

// SetContinuationGate installs the optional host-supplied readiness
// predicate consulted by IsFrameDataReady.
func (s *State) SetContinuationGate(gate func(frame uint32) bool) {
	s.continuationGate = gate
}

// SetFrameReady sets the coarse frameReady flag.
func (s *State) SetFrameReady(ready bool) {
	s.frameReady = ready
}

func (s *State) expectation(slot uint8, frame uint32) *Expectation {
	key := expectationKey{slot, frame}
	e, ok := s.commandExpectation[key]
	if !ok {
		e = &Expectation{}
		s.commandExpectation[key] = e
	}
	return e
}

// SetExpected records slot's FrameInfo-announced command count for frame.
// If commands for (slot, frame) already arrived in excess of count, this
// triggers the same resend-request path as an in-line overflow.
func (s *State) SetExpected(slot uint8, frame uint32, count uint32) {
	e := s.expectation(slot, frame)
	e.Expected = count
	e.HasExpected = true
	if e.Received > e.Expected {
		s.flagResend(slot, frame)
	}
}

// RecordReceived increments the received count for a synchronized command
// from slot targeting frame. A command arriving before any FrameInfo for
// (slot, frame) is resend-triggering, as if expected were 0; once expected
// is known, only crossing above it triggers a resend.
func (s *State) RecordReceived(slot uint8, frame uint32) (resendTriggered bool) {
	e := s.expectation(slot, frame)
	e.Received++
	if !e.HasExpected || e.Received > e.Expected {
		return s.flagResend(slot, frame)
	}
	return false
}

func (s *State) flagResend(slot uint8, frame uint32) bool {
	e := s.expectation(slot, frame)
	if e.resendFlagged {
		return false
	}
	e.resendFlagged = true
	s.sawCommandCountMismatch = true
	s.resendRequests = append(s.resendRequests, ResendRequest{Slot: slot, Frame: frame})
	return true
}

// SawFrameCommandCountMismatch reports whether any resend has ever been
// triggered this session.
func (s *State) SawFrameCommandCountMismatch() bool {
	return s.sawCommandCountMismatch
}

// ResendRequests returns every resend request recorded so far, in the
// order they were raised.
func (s *State) ResendRequests() []ResendRequest {
	return s.resendRequests
}

// IsFrameDataReady reports whether frame is ready to execute: frameReady is
// set, every slot in connected has a known, satisfied expectation for
// frame, and the continuation gate (if any) agrees.
func (s *State) IsFrameDataReady(frame uint32, connected []uint8) bool {
	if !s.frameReady {
		return false
	}
	for _, p := range connected {
		e, ok := s.commandExpectation[expectationKey{p, frame}]
		if !ok || !e.HasExpected {
			return false
		}
		if e.Received < e.Expected {
			return false
		}
	}
	if s.continuationGate != nil && !s.continuationGate(frame) {
		return false
	}
	return true
}

// MarkReady records that frame passed an IsFrameDataReady check, so a
// subsequent ConsumeReadyFrame can claim it exactly once.
func (s *State) MarkReady(frame uint32) {
	s.readyFrames[frame] = struct{}{}
}

// ConsumeReadyFrame claims frame exactly once: it must have been marked
// ready and not yet consumed. Frames are consumed in strictly increasing
// order, so a frame at or below the high-water mark can never be claimed
// again even if re-marked ready. On success it clears frame's expectation
// entries (for every slot, not just connected) so a stale one-shot call
// can never re-read exhausted state, and removes frame from readyFrames.
func (s *State) ConsumeReadyFrame(frame uint32) bool {
	if s.hasConsumed && frame <= s.maxConsumed {
		return false
	}
	if _, ok := s.readyFrames[frame]; !ok {
		return false
	}
	delete(s.readyFrames, frame)
	for key := range s.commandExpectation {
		if key.frame == frame {
			delete(s.commandExpectation, key)
		}
	}
	s.hasConsumed = true
	s.maxConsumed = frame
	return true
}

// NotifyOthersOfNewFrame bumps pendingFrameNotices and records frame as the
// expected network frame.
func (s *State) NotifyOthersOfNewFrame(frame uint32) {
	s.pendingFrameNotices++
	s.expectedNetworkFrame = frame
}

// NotifyOthersOfCurrentFrame bumps pendingFrameNotices without changing the
// expected network frame.
func (s *State) NotifyOthersOfCurrentFrame() {
	s.pendingFrameNotices++
}

// PendingFrameNotices returns the accumulated notice count.
func (s *State) PendingFrameNotices() uint32 {
	return s.pendingFrameNotices
}

// --- Disconnect stall & keep-alive ---

// SeedPeer records the initial last-heard baseline for slot, normally
// called when the peer joins or is first observed connected.
func (s *State) SeedPeer(slot uint8, now time.Time) {
	s.lastHeardMs[slot] = now
}

// RecordAdvance records that the local frame advanced at now, resetting
// the stall clock.
func (s *State) RecordAdvance(now time.Time) {
	s.lastAdvanceAt = now
}

// CheckStall compares elapsed time since the last advance against the
// configured timeout. On a fresh→stalled transition it reseeds every known
// peer's lastHeardMs baseline and switches to screen-on, returning true.
// It is a no-op (returns false) once already screen-on.
func (s *State) CheckStall(now time.Time) bool {
	if s.screenState == ScreenOn {
		return false
	}
	if now.Sub(s.lastAdvanceAt) <= s.cfg.DisconnectTimeout {
		return false
	}
	s.screenState = ScreenOn
	for slot := range s.lastHeardMs {
		s.lastHeardMs[slot] = now
	}
	return true
}

// ScreenState returns the current screen state.
func (s *State) ScreenState() ScreenState {
	return s.screenState
}

// ShouldSendKeepAlive reports whether a disconnect-keep-alive is due: only
// while screen-on, and at most once per DisconnectKeepAliveInterval. A true
// return commits the interval — the caller is expected to actually send.
func (s *State) ShouldSendKeepAlive(now time.Time) bool {
	if s.screenState != ScreenOn {
		return false
	}
	if !s.lastKeepAliveSentAt.IsZero() && now.Sub(s.lastKeepAliveSentAt) < s.cfg.DisconnectKeepAliveInterval {
		return false
	}
	s.lastKeepAliveSentAt = now
	return true
}

// ShouldSendScreenNotify reports whether a disconnect-frame status report
// is due: only while screen-on, at most once per
// DisconnectScreenNotifyTimeout. A true return commits the interval.
func (s *State) ShouldSendScreenNotify(now time.Time) bool {
	if s.screenState != ScreenOn {
		return false
	}
	if !s.lastScreenNotifyAt.IsZero() && now.Sub(s.lastScreenNotifyAt) < s.cfg.DisconnectScreenNotifyTimeout {
		return false
	}
	s.lastScreenNotifyAt = now
	return true
}

// RecordKeepAlive resets slot's last-heard baseline on receipt of its
// disconnect-keep-alive.
func (s *State) RecordKeepAlive(slot uint8, now time.Time) {
	s.lastHeardMs[slot] = now
}

// PacketRouterShouldEvict reports whether, while screen-on, slot has been
// silent longer than DisconnectPlayerTimeout and should be evicted by the
// packet router. The caller is responsible for confirming the
// local slot is in fact the packet router before acting on this.
func (s *State) PacketRouterShouldEvict(slot uint8, now time.Time) bool {
	if s.screenState != ScreenOn {
		return false
	}
	last, ok := s.lastHeardMs[slot]
	if !ok {
		return false
	}
	return now.Sub(last) > s.cfg.DisconnectPlayerTimeout
}

// ForgetPeer removes slot's last-heard baseline, e.g. once it has been
// evicted and should no longer be tracked for stall purposes.
func (s *State) ForgetPeer(slot uint8) {
	delete(s.lastHeardMs, slot)
}

// --- Disconnect voting ---

// RecordLocalVote records the local peer's vote to disconnect target at
// frame. Per the Open Question decision, a vote targeting the local slot
// itself is a no-op and is not recorded.
func (s *State) RecordLocalVote(localSlot, target uint8, frame uint32) bool {
	if target == localSlot {
		return false
	}
	return s.recordVote(target, frame, localSlot)
}

// RecordRemoteVote records voter's vote against target at frame, subject to
// the eligibility rules: the voter must be connected and still
// "in game", must not have already voted against this target at this
// frame, and votes against the local slot itself are never tallied.
func (s *State) RecordRemoteVote(localSlot, target, voter uint8, frame uint32, voterConnected, voterInGame bool) bool {
	if target == localSlot {
		return false
	}
	if !voterConnected || !voterInGame {
		return false
	}
	return s.recordVote(target, frame, voter)
}

func (s *State) recordVote(target uint8, frame uint32, voter uint8) bool {
	key := voteKey{target, frame}
	votes := s.disconnectVotes[key]
	if votes == nil {
		votes = make(map[uint8]struct{})
		s.disconnectVotes[key] = votes
	}
	if _, already := votes[voter]; already {
		return false
	}
	votes[voter] = struct{}{}
	return true
}

// VoteCount returns the current tally against target at frame.
func (s *State) VoteCount(target uint8, frame uint32) int {
	return len(s.disconnectVotes[voteKey{target, frame}])
}

// --- Disconnect-frame and screen-off ---

// RecordDisconnectFrame records sender's reported last-reached frame and
// marks its receipt bit.
func (s *State) RecordDisconnectFrame(sender uint8, frame uint32) {
	s.disconnectFrameByPeer[sender] = frame
	s.disconnectFrameReceipt[sender] = struct{}{}
}

// DisconnectFrameOf returns sender's last recorded disconnect frame, if any.
func (s *State) DisconnectFrameOf(sender uint8) (uint32, bool) {
	f, ok := s.disconnectFrameByPeer[sender]
	return f, ok
}

// HasDisconnectFrameReceipt reports whether sender has an outstanding
// disconnect-frame receipt.
func (s *State) HasDisconnectFrameReceipt(sender uint8) bool {
	_, ok := s.disconnectFrameReceipt[sender]
	return ok
}

// RecordScreenOff overwrites sender's disconnect frame with newFrame and
// clears its receipt bit. When isLocalRouterAck is true (this screen-off is
// the local packet-router's own ack), the screen state returns to
// screen-off and a pending frame notice is raised so the simulation
// resumes, and true is returned.
func (s *State) RecordScreenOff(sender uint8, newFrame uint32, isLocalRouterAck bool) bool {
	s.disconnectFrameByPeer[sender] = newFrame
	delete(s.disconnectFrameReceipt, sender)
	if !isLocalRouterAck {
		return false
	}
	s.screenState = ScreenOff
	s.pendingFrameNotices++
	return true
}
