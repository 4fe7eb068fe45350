package ports

import (
	"context"

	"streamcast/internal/core/domain"
)

type StreamRepository interface {
	Create(ctx context.Context, stream *domain.Stream) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	SetLive(ctx context.Context, id domain.StreamID, live bool) error
	ListLive(ctx context.Context) ([]*domain.Stream, error)
}

type ChatRepository interface {
	Save(ctx context.Context, msg *domain.ChatMessage) error
	Recent(ctx context.Context, streamID domain.StreamID, limit int) ([]*domain.ChatMessage, error)
	GetByID(ctx context.Context, streamID domain.StreamID, messageID string) (*domain.ChatMessage, error)
	MarkDeleted(ctx context.Context, streamID domain.StreamID, messageID string) error
}
