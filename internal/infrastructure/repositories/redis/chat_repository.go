package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	// chatRetention bounds how long a stream's history outlives activity.
	chatRetention = 24 * time.Hour
	// chatListCap bounds per-stream history length.
	chatListCap = 1000
)

type ChatRepository struct {
	client *redis.Client
	prefix string
}

func NewChatRepository(client *redis.Client) *ChatRepository {
	return &ChatRepository{
		client: client,
		prefix: "streamcast:chat:",
	}
}

var _ ports.ChatRepository = (*ChatRepository)(nil)

func (r *ChatRepository) listKey(streamID domain.StreamID) string {
	return r.prefix + string(streamID) + ":messages"
}

func (r *ChatRepository) messageKey(streamID domain.StreamID, messageID string) string {
	return r.prefix + string(streamID) + ":msg:" + messageID
}

// Save appends the message to the stream's list and stores it under its
// own key for point lookups. Both expire together.
func (r *ChatRepository) Save(ctx context.Context, msg *domain.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}

	pipe := r.client.TxPipeline()
	listKey := r.listKey(msg.StreamID)
	pipe.RPush(ctx, listKey, msg.ID)
	pipe.LTrim(ctx, listKey, -chatListCap, -1)
	pipe.Expire(ctx, listKey, chatRetention)
	pipe.Set(ctx, r.messageKey(msg.StreamID, msg.ID), data, chatRetention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist chat message: %w", err)
	}
	return nil
}

func (r *ChatRepository) Recent(ctx context.Context, streamID domain.StreamID, limit int) ([]*domain.ChatMessage, error) {
	ids, err := r.client.LRange(ctx, r.listKey(streamID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat history: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.messageKey(streamID, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat messages: %w", err)
	}

	messages := make([]*domain.ChatMessage, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired between LRANGE and MGET.
			continue
		}
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

func (r *ChatRepository) GetByID(ctx context.Context, streamID domain.StreamID, messageID string) (*domain.ChatMessage, error) {
	data, err := r.client.Get(ctx, r.messageKey(streamID, messageID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat message: %w", err)
	}

	var msg domain.ChatMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat message: %w", err)
	}
	return &msg, nil
}

func (r *ChatRepository) MarkDeleted(ctx context.Context, streamID domain.StreamID, messageID string) error {
	msg, err := r.GetByID(ctx, streamID, messageID)
	if err != nil {
		return err
	}
	msg.Deleted = true

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}
	if err := r.client.Set(ctx, r.messageKey(streamID, messageID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update chat message: %w", err)
	}
	return nil
}
