// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

// Package netcmd defines the closed set of lockstep command kinds and the
// two predicates (RequiresCommandID, IsSynchronized) the rest of the kernel
// dispatches on.
package netcmd

import (
	"regexp"
	"strings"
)

// MaxSlots is the fixed upper bound on player slots: slot identities
// are fixed per game and never reassigned, and every relay-mask bit above
// this width is meaningless.
const MaxSlots = 16

// Kind is the wire-compatible numeric command code (u8).
type Kind uint8

// Command kinds, per the wire-compatible numeric codes. The sentinel bounds
// DisconnectStart/DisconnectEnd mark the exclusive (22, 30) disconnect
// family range; they are never themselves dispatched.
const (
	AckBoth              Kind = 0
	AckStage1            Kind = 1
	AckStage2            Kind = 2
	FrameInfo            Kind = 3
	GameCommand          Kind = 4
	PlayerLeave          Kind = 5
	RunaheadMetrics      Kind = 6
	Runahead             Kind = 7
	DestroyPlayer        Kind = 8
	Keepalive            Kind = 9
	DisconnectChat       Kind = 10
	Chat                 Kind = 11
	ManglerQuery         Kind = 12
	ManglerResponse      Kind = 13
	Progress             Kind = 14
	LoadComplete         Kind = 15
	TimeoutStart         Kind = 16
	Wrapper              Kind = 17
	File                 Kind = 18
	FileAnnounce         Kind = 19
	FileProgress         Kind = 20
	FrameResendRequest   Kind = 21
	DisconnectStart      Kind = 22 // sentinel; exclusive lower bound
	DisconnectKeepalive  Kind = 23
	DisconnectPlayer     Kind = 24
	PacketRouterQuery    Kind = 25
	PacketRouterAck      Kind = 26
	DisconnectVote       Kind = 27
	DisconnectFrame      Kind = 28
	DisconnectScreenOff  Kind = 29
	DisconnectEnd        Kind = 30 // sentinel; exclusive upper bound
)

// names maps each non-sentinel kind to its canonical alias, used both for
// display and for textual-alias resolution.
var names = map[Kind]string{
	AckBoth:             "ackboth",
	AckStage1:           "ackstage1",
	AckStage2:           "ackstage2",
	FrameInfo:           "frameinfo",
	GameCommand:         "gamecommand",
	PlayerLeave:         "playerleave",
	RunaheadMetrics:     "runaheadmetrics",
	Runahead:            "runahead",
	DestroyPlayer:       "destroyplayer",
	Keepalive:           "keepalive",
	DisconnectChat:      "disconnectchat",
	Chat:                "chat",
	ManglerQuery:        "manglerquery",
	ManglerResponse:     "manglerresponse",
	Progress:            "progress",
	LoadComplete:        "loadcomplete",
	TimeoutStart:        "timeoutstart",
	Wrapper:             "wrapper",
	File:                "file",
	FileAnnounce:        "fileannounce",
	FileProgress:        "fileprogress",
	FrameResendRequest:  "frameresendrequest",
	DisconnectKeepalive: "disconnectkeepalive",
	DisconnectPlayer:    "disconnectplayer",
	PacketRouterQuery:   "packetrouterquery",
	PacketRouterAck:     "packetrouterack",
	DisconnectVote:      "disconnectvote",
	DisconnectFrame:     "disconnectframe",
	DisconnectScreenOff: "disconnectscreenoff",
}

var byAlias map[string]Kind

func init() {
	byAlias = make(map[string]Kind, len(names))
	for k, v := range names {
		byAlias[v] = k
	}
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// ParseAlias resolves a textual command-kind identifier: strip
// non-alphanumerics, lower-case, strip an optional "netcommandtype" prefix,
// then match against the canonical name table.
func ParseAlias(s string) (Kind, bool) {
	lowered := strings.ToLower(s)
	stripped := nonAlnum.ReplaceAllString(lowered, "")
	stripped = strings.TrimPrefix(stripped, "netcommandtype")
	k, ok := byAlias[stripped]
	return k, ok
}

// String returns the canonical alias for k, or "" for an unknown/sentinel kind.
func (k Kind) String() string {
	return names[k]
}

// Known reports whether k is a dispatchable member of the closed command
// set. The two sentinels and any numeric code outside the table are not.
func Known(k Kind) bool {
	_, ok := names[k]
	return ok
}

// IsDisconnectFamily reports whether k falls in the exclusive (22, 30) range.
func (k Kind) IsDisconnectFamily() bool {
	return k > DisconnectStart && k < DisconnectEnd
}

// RequiresCommandID reports whether k must carry a locally generated u16
// command id. True for the full disconnect family plus frame-resend-request;
// false for everything else, including FrameInfo, wrapper chunks, acks and
// keepalives.
func RequiresCommandID(k Kind) bool {
	if k.IsDisconnectFamily() {
		return true
	}
	return k == FrameResendRequest
}

// IsSynchronized reports whether k must be mirrored across every peer's
// simulation. FrameInfo is explicitly excluded: it carries
// expectation metadata but is never itself executed.
func IsSynchronized(k Kind) bool {
	switch k {
	case GameCommand, DestroyPlayer, Runahead, DisconnectPlayer,
		DisconnectFrame, DisconnectScreenOff, DisconnectVote:
		return true
	default:
		return false
	}
}
