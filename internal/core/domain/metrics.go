package domain

import "time"

type SessionMetrics struct {
	StreamID        StreamID
	State           SessionState
	ViewerCount     int
	ChatSubscribers int
	StartedAt       time.Time
}
