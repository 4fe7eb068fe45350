package ports

import (
	"context"

	"streamcast/internal/core/domain"
)

// ConnectionRegistry tracks live transport connections. It is the single
// source of truth for connection liveness; no other component caches it.
type ConnectionRegistry interface {
	// Register never blocks on I/O. The returned Connection is a snapshot;
	// the registry keeps exclusive ownership of the live record.
	Register(ctx context.Context, streamID domain.StreamID, role domain.Role, participantID domain.ParticipantID) (domain.Connection, error)

	// Unregister is idempotent. It reports whether the connection was
	// actually removed by this call; the ConnectionClosed event fires at
	// most once per connection.
	Unregister(ctx context.Context, id domain.ConnectionID, reason domain.CloseReason) bool

	Get(ctx context.Context, id domain.ConnectionID) (domain.Connection, error)
	Lookup(ctx context.Context, streamID domain.StreamID, role domain.Role) ([]domain.Connection, error)
	LookupParticipant(ctx context.Context, streamID domain.StreamID, role domain.Role, participantID domain.ParticipantID) (domain.Connection, error)

	// Touch updates LastSeenAt for liveness tracking.
	Touch(ctx context.Context, id domain.ConnectionID) error

	// AdvanceLink moves the connection's peer link state forward. Backward
	// or skipped transitions fail with ErrInvalidStateTransition.
	AdvanceLink(ctx context.Context, id domain.ConnectionID, next domain.PeerLinkState) error

	// OnClosed registers a handler invoked for every ConnectionClosed
	// event. Handlers run outside registry locks and may call back into
	// the registry.
	OnClosed(handler func(domain.ConnectionClosed))

	Count() int
}

// MessageSink delivers an envelope to a single connection's outbound
// queue. Implemented by the transport layer. Returns ErrBackpressure when
// the queue is full and ErrConnectionNotFound for closed connections.
type MessageSink interface {
	Send(id domain.ConnectionID, env *domain.SignalEnvelope) error
}
