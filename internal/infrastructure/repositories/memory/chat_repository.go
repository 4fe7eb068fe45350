package memory

import (
	"context"
	"sync"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
)

// maxRetainedPerStream caps in-memory history so a long-running chat
// cannot grow without bound.
const maxRetainedPerStream = 1000

type ChatRepository struct {
	mu       sync.RWMutex
	messages map[domain.StreamID][]*domain.ChatMessage
	byID     map[string]*domain.ChatMessage
}

func NewChatRepository() *ChatRepository {
	return &ChatRepository{
		messages: make(map[domain.StreamID][]*domain.ChatMessage),
		byID:     make(map[string]*domain.ChatMessage),
	}
}

var _ ports.ChatRepository = (*ChatRepository)(nil)

func (r *ChatRepository) Save(ctx context.Context, msg *domain.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *msg
	list := append(r.messages[msg.StreamID], &cp)
	if len(list) > maxRetainedPerStream {
		evicted := list[0]
		delete(r.byID, evicted.ID)
		list = list[1:]
	}
	r.messages[msg.StreamID] = list
	r.byID[msg.ID] = &cp
	return nil
}

// Recent returns up to limit messages, oldest first. Deleted messages
// are kept as tombstones so clients can render them consistently.
func (r *ChatRepository) Recent(ctx context.Context, streamID domain.StreamID, limit int) ([]*domain.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.messages[streamID]
	if len(list) > limit {
		list = list[len(list)-limit:]
	}

	out := make([]*domain.ChatMessage, 0, len(list))
	for _, msg := range list {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (r *ChatRepository) GetByID(ctx context.Context, streamID domain.StreamID, messageID string) (*domain.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.byID[messageID]
	if !ok || msg.StreamID != streamID {
		return nil, domain.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (r *ChatRepository) MarkDeleted(ctx context.Context, streamID domain.StreamID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[messageID]
	if !ok || msg.StreamID != streamID {
		return domain.ErrMessageNotFound
	}
	msg.Deleted = true
	return nil
}
