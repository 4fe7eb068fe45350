package domain

import "time"

// ChatMessage is a persisted chat entry. Seq is assigned by the bus per
// topic, strictly monotonic, and is the identity used for deduplication.
type ChatMessage struct {
	ID        string        `json:"id"`
	StreamID  StreamID      `json:"stream_id"`
	SenderID  ParticipantID `json:"sender_id"`
	Username  string        `json:"username,omitempty"`
	Content   string        `json:"content"`
	Seq       uint64        `json:"seq"`
	CreatedAt time.Time     `json:"created_at"`
	Deleted   bool          `json:"deleted,omitempty"`
}
