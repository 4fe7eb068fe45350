package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"streamcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType identifies cross-instance events.
type EventType string

const (
	EventChatMessage EventType = "chat.message"
	EventChatDeleted EventType = "chat.deleted"
	EventStreamEnded EventType = "stream.ended"
)

// Event is the wire shape published on the shared channel. InstanceID
// lets subscribers skip their own events.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	StreamID   domain.StreamID `json:"stream_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus propagates chat and lifecycle events between instances over
// Redis pub/sub. Single-instance deployments run without one.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	pubsub     *redis.PubSub
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    "streamcast:events",
		logger:     logger,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type, "stream_id", event.StreamID)
	return nil
}

// Subscribe consumes events from other instances until the context is
// cancelled. Own events are skipped.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

// PublishChat implements the chat relay for ChatService.
func (eb *EventBus) PublishChat(ctx context.Context, msg *domain.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}
	return eb.Publish(ctx, &Event{
		Type:     EventChatMessage,
		StreamID: msg.StreamID,
		Payload:  payload,
	})
}

// PublishDeletion implements the deletion relay for ChatService.
func (eb *EventBus) PublishDeletion(ctx context.Context, streamID domain.StreamID, messageID string) error {
	payload, err := json.Marshal(map[string]string{"message_id": messageID})
	if err != nil {
		return err
	}
	return eb.Publish(ctx, &Event{
		Type:     EventChatDeleted,
		StreamID: streamID,
		Payload:  payload,
	})
}

// PublishStreamEnded announces a forced stop so other instances drain
// their local sessions too.
func (eb *EventBus) PublishStreamEnded(ctx context.Context, streamID domain.StreamID) error {
	return eb.Publish(ctx, &Event{
		Type:     EventStreamEnded,
		StreamID: streamID,
	})
}

func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
