package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateConnectionID returns a process-unique connection id.
// Connection ids are never reused; a closed id stays dead.
func GenerateConnectionID() string {
	return fmt.Sprintf("conn_%s", uuid.NewString())
}

// GenerateMessageID returns a unique chat message id.
func GenerateMessageID() string {
	return fmt.Sprintf("msg_%s", uuid.NewString())
}

// GenerateGuestID returns an id for unauthenticated viewers.
func GenerateGuestID() string {
	return fmt.Sprintf("guest_%s", uuid.NewString()[:8])
}

// GenerateRequestID returns a unique id for request-scoped logging.
func GenerateRequestID() string {
	return fmt.Sprintf("req_%s", uuid.NewString())
}

// GenerateInstanceID identifies this process on the shared event bus.
func GenerateInstanceID() string {
	return fmt.Sprintf("inst_%s", uuid.NewString()[:12])
}
