package domain

import "time"

// ConnectionClosed is emitted exactly once per unregistered connection,
// whether the close was explicit, remote, or a liveness eviction.
type ConnectionClosed struct {
	ConnectionID  ConnectionID
	StreamID      StreamID
	Role          Role
	ParticipantID ParticipantID
	Reason        CloseReason
	At            time.Time
}

type CloseReason string

const (
	CloseExplicit CloseReason = "explicit"
	CloseRemote   CloseReason = "remote"
	CloseStale    CloseReason = "stale"
	CloseForced   CloseReason = "forced"
)
