package services

import (
	"context"
	"encoding/json"
	"fmt"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/pkg/tracing"
	"streamcast/pkg/validation"

	"go.uber.org/zap"
)

// Router dispatches inbound envelopes: offer/answer/ice relay through
// the coordinator's pairing table, chat messages to the chat bus,
// explicit leaves to the registry.
type Router struct {
	registry    ports.ConnectionRegistry
	coordinator ports.SessionCoordinator
	chat        ports.ChatBus
	sink        ports.MessageSink
	logger      *zap.SugaredLogger

	onRouted func(t domain.MessageType)
}

func NewRouter(registry ports.ConnectionRegistry, coordinator ports.SessionCoordinator, chat ports.ChatBus, sink ports.MessageSink, logger *zap.SugaredLogger) *Router {
	return &Router{
		registry:    registry,
		coordinator: coordinator,
		chat:        chat,
		sink:        sink,
		logger:      logger,
	}
}

var _ ports.SignalRouter = (*Router)(nil)

// SetRoutedListener registers a hook invoked per routed message, used
// for metrics.
func (r *Router) SetRoutedListener(fn func(t domain.MessageType)) {
	r.onRouted = fn
}

func (r *Router) Route(ctx context.Context, conn domain.Connection, env *domain.SignalEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.StreamID != conn.StreamID {
		return fmt.Errorf("%w: envelope stream %s does not match connection stream %s",
			domain.ErrInvalidStateTransition, env.StreamID, conn.StreamID)
	}

	ctx, span := tracing.TraceSignalMessage(ctx, string(env.Type), string(env.StreamID), string(conn.ID))
	defer span.End()

	// Any well-formed inbound message counts as a heartbeat.
	if err := r.registry.Touch(ctx, conn.ID); err != nil {
		return err
	}

	var err error
	switch env.Type {
	case domain.TypeOffer:
		err = r.routeOffer(ctx, conn, env)
	case domain.TypeAnswer:
		err = r.routeAnswer(ctx, conn, env)
	case domain.TypeICECandidate:
		err = r.routeICECandidate(ctx, conn, env)
	case domain.TypeChatMessage:
		err = r.routeChat(ctx, conn, env)
	case domain.TypeDeleteMessage:
		err = r.routeDelete(ctx, conn, env)
	case domain.TypeLeaveStream:
		r.registry.Unregister(ctx, conn.ID, domain.CloseExplicit)
	case domain.TypeJoinStream:
		// Joining happens at the handshake; a later join_stream is just a
		// heartbeat.
	default:
		err = fmt.Errorf("%w: unroutable type %q", domain.ErrInvalidStateTransition, env.Type)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if r.onRouted != nil {
		r.onRouted(env.Type)
	}
	return nil
}

// routeOffer relays a broadcaster's offer to one viewer and marks that
// viewer's link as offered.
func (r *Router) routeOffer(ctx context.Context, conn domain.Connection, env *domain.SignalEnvelope) error {
	if conn.Role != domain.RoleBroadcaster {
		return fmt.Errorf("%w: offers come from the broadcaster only", domain.ErrInvalidStateTransition)
	}
	if env.Target == "" {
		return fmt.Errorf("%w: offer requires a target viewer", domain.ErrInvalidStateTransition)
	}
	if err := validateSDPPayload(env.Payload); err != nil {
		return err
	}

	targetConn, err := r.coordinator.ResolveTarget(ctx, env.StreamID, conn, env.Target)
	if err != nil {
		return err
	}
	if err := r.registry.AdvanceLink(ctx, targetConn, domain.LinkOfferSent); err != nil {
		return err
	}
	return r.forward(conn, targetConn, env)
}

// routeAnswer relays a viewer's answer back to the broadcaster. The
// viewer's own link must have seen an offer first.
func (r *Router) routeAnswer(ctx context.Context, conn domain.Connection, env *domain.SignalEnvelope) error {
	if conn.Role != domain.RoleViewer {
		return fmt.Errorf("%w: answers come from viewers only", domain.ErrInvalidStateTransition)
	}
	if err := validateSDPPayload(env.Payload); err != nil {
		return err
	}

	targetConn, err := r.coordinator.ResolveTarget(ctx, env.StreamID, conn, "")
	if err != nil {
		return err
	}
	if err := r.registry.AdvanceLink(ctx, conn.ID, domain.LinkAnswerReceived); err != nil {
		return err
	}
	return r.forward(conn, targetConn, env)
}

// routeICECandidate relays trickle candidates both ways. The viewer's
// link must be past the offer; the first viewer candidate after the
// answer promotes the link to connected.
func (r *Router) routeICECandidate(ctx context.Context, conn domain.Connection, env *domain.SignalEnvelope) error {
	var payload domain.ICECandidatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed ice candidate", domain.ErrInvalidStateTransition)
	}

	var targetConn domain.ConnectionID
	var viewerConn domain.ConnectionID
	var err error

	switch conn.Role {
	case domain.RoleBroadcaster:
		if env.Target == "" {
			return fmt.Errorf("%w: broadcaster ice requires a target viewer", domain.ErrInvalidStateTransition)
		}
		targetConn, err = r.coordinator.ResolveTarget(ctx, env.StreamID, conn, env.Target)
		viewerConn = targetConn
	case domain.RoleViewer:
		targetConn, err = r.coordinator.ResolveTarget(ctx, env.StreamID, conn, "")
		viewerConn = conn.ID
	default:
		return fmt.Errorf("%w: chat connections do not carry ice", domain.ErrInvalidStateTransition)
	}
	if err != nil {
		return err
	}

	viewer, err := r.registry.Get(ctx, viewerConn)
	if err != nil {
		return err
	}
	switch viewer.LinkState {
	case domain.LinkNew:
		return fmt.Errorf("%w: ice before offer", domain.ErrInvalidStateTransition)
	case domain.LinkClosed:
		return fmt.Errorf("%w: ice on closed link", domain.ErrInvalidStateTransition)
	case domain.LinkAnswerReceived:
		if conn.Role == domain.RoleViewer {
			if err := r.registry.AdvanceLink(ctx, viewerConn, domain.LinkConnected); err != nil {
				return err
			}
		}
	}

	return r.forward(conn, targetConn, env)
}

func (r *Router) routeChat(ctx context.Context, conn domain.Connection, env *domain.SignalEnvelope) error {
	var payload domain.ChatPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed chat payload", domain.ErrInvalidStateTransition)
	}
	if err := validation.ValidateChatContent(payload.Content); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidStateTransition, err)
	}

	_, err := r.chat.Publish(ctx, env.StreamID, conn, usernameFor(conn), payload)
	return err
}

func (r *Router) routeDelete(ctx context.Context, conn domain.Connection, env *domain.SignalEnvelope) error {
	var payload domain.DeleteMessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.MessageID == "" {
		return fmt.Errorf("%w: malformed delete payload", domain.ErrInvalidStateTransition)
	}
	return r.chat.Delete(ctx, env.StreamID, conn.ParticipantID, payload.MessageID)
}

// forward pushes the envelope to the resolved peer, stamping the sender
// so the receiver can address replies.
func (r *Router) forward(from domain.Connection, to domain.ConnectionID, env *domain.SignalEnvelope) error {
	out := &domain.SignalEnvelope{
		Type:     env.Type,
		StreamID: env.StreamID,
		Sender:   from.ParticipantID,
		Target:   env.Target,
		Payload:  env.Payload,
	}
	if err := r.sink.Send(to, out); err != nil {
		r.logger.Debugw("forward failed",
			"type", env.Type,
			"from", from.ID,
			"to", to,
			"error", err,
		)
		return err
	}
	return nil
}

func validateSDPPayload(raw json.RawMessage) error {
	var payload domain.SDPPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: malformed session description", domain.ErrInvalidStateTransition)
	}
	if err := validation.ValidateSDP(payload.SDP.SDP); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidStateTransition, err)
	}
	return nil
}

// usernameFor derives the display name carried on chat fan-out when the
// transport did not resolve one at handshake.
func usernameFor(conn domain.Connection) string {
	return string(conn.ParticipantID)
}
