package domain

import "errors"

var (
	ErrAuthRejected           = errors.New("authentication rejected")
	ErrSessionConflict        = errors.New("broadcaster already active for stream")
	ErrSessionNotFound        = errors.New("session not found")
	ErrStreamNotFound         = errors.New("stream not found")
	ErrUnknownPeer            = errors.New("target peer not registered")
	ErrConnectionNotFound     = errors.New("connection not found")
	ErrInvalidStateTransition = errors.New("message violates peer link state")
	ErrBackpressure           = errors.New("outbound queue full")
	ErrStaleConnection        = errors.New("connection timed out")
	ErrDuplicateViewer        = errors.New("viewer already joined")
	ErrTopicClosed            = errors.New("chat topic closed")
	ErrMessageNotFound        = errors.New("chat message not found")
	ErrNotMessageAuthor       = errors.New("not the message author")
)
