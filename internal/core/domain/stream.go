package domain

import (
	"time"
)

type StreamID string
type ConnectionID string
type ParticipantID string

// Role identifies what a connection is used for within a stream.
type Role string

const (
	RoleBroadcaster     Role = "broadcaster"
	RoleViewer          Role = "viewer"
	RoleChatParticipant Role = "chat"
)

// SessionState tracks the lifecycle of a stream session.
type SessionState string

const (
	SessionIdle                SessionState = "idle"
	SessionAwaitingBroadcaster SessionState = "awaiting_broadcaster"
	SessionLive                SessionState = "live"
	SessionEnding              SessionState = "ending"
)

// PeerLinkState tracks negotiation progress between a viewer and the
// broadcaster. It only ever advances forward; Closed is terminal.
type PeerLinkState int

const (
	LinkNew PeerLinkState = iota
	LinkOfferSent
	LinkAnswerReceived
	LinkConnected
	LinkClosed
)

func (s PeerLinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkOfferSent:
		return "offer_sent"
	case LinkAnswerReceived:
		return "answer_received"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanAdvanceTo reports whether next is a legal forward transition.
func (s PeerLinkState) CanAdvanceTo(next PeerLinkState) bool {
	if next == LinkClosed {
		return true
	}
	return next == s+1
}

// Connection is a single transport-level handle. It is owned exclusively
// by the registry; other components hold the ConnectionID only.
type Connection struct {
	ID            ConnectionID
	StreamID      StreamID
	Role          Role
	ParticipantID ParticipantID
	LinkState     PeerLinkState
	RegisteredAt  time.Time
	LastSeenAt    time.Time
}

// StreamSession is the per-stream view the coordinator owns. Connections
// are referenced by id, never held directly.
type StreamSession struct {
	StreamID      StreamID
	State         SessionState
	BroadcasterID ConnectionID
	OwnerID       ParticipantID
	Viewers       map[ParticipantID]ConnectionID
	StartedAt     time.Time
}

// Stream is the persisted stream record the broker consults for
// existence and ownership checks. Everything else about streams lives
// in the excluded REST layer.
type Stream struct {
	ID        StreamID
	OwnerID   ParticipantID
	Title     string
	Live      bool
	CreatedAt time.Time
}

// ChatTopic holds the subscriber set for one stream's chat. Its lifecycle
// is independent from the stream session: it may outlive the broadcast for
// a configured grace window.
type ChatTopic struct {
	StreamID    StreamID
	Subscribers map[ConnectionID]ParticipantID
	NextSeq     uint64
	ClosesAt    time.Time
}
