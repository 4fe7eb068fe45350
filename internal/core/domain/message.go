package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// MessageType enumerates the closed set of signaling message types.
// Unknown types are rejected at the boundary, never best-effort routed.
type MessageType string

const (
	// Inbound from clients.
	TypeJoinStream    MessageType = "join_stream"
	TypeLeaveStream   MessageType = "leave_stream"
	TypeOffer         MessageType = "offer"
	TypeAnswer        MessageType = "answer"
	TypeICECandidate  MessageType = "ice-candidate"
	TypeChatMessage   MessageType = "chat-message"
	TypeDeleteMessage MessageType = "delete-message"

	// Outbound pushes.
	TypeViewerJoined    MessageType = "viewer-joined"
	TypeViewerLeft      MessageType = "viewer-left"
	TypeBroadcasterLeft MessageType = "broadcaster-left"
	TypeChatHistory     MessageType = "chat_history"
	TypeNewMessage      MessageType = "new_message"
	TypeMessageSent     MessageType = "message_sent"
	TypeMessageDeleted  MessageType = "message_deleted"
	TypeError           MessageType = "error"
)

var inboundTypes = map[MessageType]bool{
	TypeJoinStream:    true,
	TypeLeaveStream:   true,
	TypeOffer:         true,
	TypeAnswer:        true,
	TypeICECandidate:  true,
	TypeChatMessage:   true,
	TypeDeleteMessage: true,
}

// SignalEnvelope is the wire format for every message on a signaling or
// chat connection. Payload decoding depends on Type.
type SignalEnvelope struct {
	Type     MessageType     `json:"type"`
	StreamID StreamID        `json:"stream_id,omitempty"`
	Sender   ParticipantID   `json:"sender,omitempty"`
	Target   ParticipantID   `json:"target,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Validate rejects envelopes that cannot be routed.
func (e *SignalEnvelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidStateTransition)
	}
	if !inboundTypes[e.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidStateTransition, e.Type)
	}
	if e.StreamID == "" {
		return fmt.Errorf("%w: missing stream_id", ErrInvalidStateTransition)
	}
	return nil
}

type SDPPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type ICECandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type ChatPayload struct {
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"message_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope builds an outbound envelope with a JSON-encoded payload.
func NewEnvelope(t MessageType, streamID StreamID, payload interface{}) (*SignalEnvelope, error) {
	env := &SignalEnvelope{Type: t, StreamID: streamID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}
