package ports

import (
	"context"

	"streamcast/internal/core/domain"
)

// SessionCoordinator owns per-stream session state and the viewer to
// broadcaster pairing table.
type SessionCoordinator interface {
	// BroadcasterJoined transitions the session to Live. A second live
	// broadcaster for the same stream fails with ErrSessionConflict and
	// leaves the incumbent untouched.
	BroadcasterJoined(ctx context.Context, streamID domain.StreamID, conn domain.Connection) error

	// ViewerJoined adds the viewer to the session. If a broadcaster is
	// live, exactly one viewer-joined push goes to the broadcaster;
	// otherwise the viewer is parked until one registers.
	ViewerJoined(ctx context.Context, streamID domain.StreamID, conn domain.Connection) error

	// ResolveTarget returns the paired connection for offer/answer/ice
	// routing. Fails with ErrUnknownPeer when the pairing is gone.
	ResolveTarget(ctx context.Context, streamID domain.StreamID, from domain.Connection, target domain.ParticipantID) (domain.ConnectionID, error)

	// StreamStarted and StreamStopped are the authoritative lifecycle
	// hooks from the REST layer. StreamStopped force-drains the session
	// even when no broadcaster connection event occurred.
	StreamStarted(ctx context.Context, streamID domain.StreamID, broadcasterID domain.ParticipantID) error
	StreamStopped(ctx context.Context, streamID domain.StreamID) error

	Session(ctx context.Context, streamID domain.StreamID) (domain.StreamSession, error)
	Metrics(ctx context.Context, streamID domain.StreamID) (domain.SessionMetrics, error)
}

// ChatBus fans chat events out to a stream's subscribers. Delivery is
// best-effort, at most once per subscriber per publish.
type ChatBus interface {
	// Subscribe adds the connection to the topic and returns recent
	// history, oldest first.
	Subscribe(ctx context.Context, streamID domain.StreamID, conn domain.Connection, username string) ([]*domain.ChatMessage, error)
	Unsubscribe(ctx context.Context, streamID domain.StreamID, id domain.ConnectionID)

	// Publish persists the message, assigns its topic sequence number and
	// fans it out to every subscriber except the sender.
	Publish(ctx context.Context, streamID domain.StreamID, sender domain.Connection, username string, payload domain.ChatPayload) (*domain.ChatMessage, error)

	// Delete soft-deletes a message authored by the requester and
	// broadcasts message_deleted.
	Delete(ctx context.Context, streamID domain.StreamID, requester domain.ParticipantID, messageID string) error

	// StreamEnded starts the post-stream grace window for the topic.
	StreamEnded(ctx context.Context, streamID domain.StreamID)

	// StreamStarted reopens the topic for a new broadcast, clearing any
	// grace window left over from the previous one.
	StreamStarted(ctx context.Context, streamID domain.StreamID)
}

// SignalRouter consumes inbound envelopes from a connection and forwards
// them to the resolved peer(s).
type SignalRouter interface {
	Route(ctx context.Context, conn domain.Connection, env *domain.SignalEnvelope) error
}

// AuthVerifier validates an identity token at handshake time.
type AuthVerifier interface {
	Verify(ctx context.Context, token string) (domain.ParticipantID, string, error)
}
