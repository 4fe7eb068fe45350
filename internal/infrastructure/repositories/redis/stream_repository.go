package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type StreamRepository struct {
	client *redis.Client
	prefix string
}

func NewStreamRepository(client *redis.Client) *StreamRepository {
	return &StreamRepository{
		client: client,
		prefix: "streamcast:stream:",
	}
}

var _ ports.StreamRepository = (*StreamRepository)(nil)

func (r *StreamRepository) streamKey(id domain.StreamID) string {
	return r.prefix + string(id)
}

func (r *StreamRepository) liveSetKey() string {
	return r.prefix + "live"
}

func (r *StreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	if err := r.client.Set(ctx, r.streamKey(stream.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set stream in Redis: %w", err)
	}

	if stream.Live {
		if err := r.client.SAdd(ctx, r.liveSetKey(), string(stream.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add stream to live set: %w", err)
		}
	}
	return nil
}

func (r *StreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	data, err := r.client.Get(ctx, r.streamKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	var stream domain.Stream
	if err := json.Unmarshal([]byte(data), &stream); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return &stream, nil
}

func (r *StreamRepository) SetLive(ctx context.Context, id domain.StreamID, live bool) error {
	stream, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	stream.Live = live

	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}
	if err := r.client.Set(ctx, r.streamKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update stream in Redis: %w", err)
	}

	if live {
		err = r.client.SAdd(ctx, r.liveSetKey(), string(id)).Err()
	} else {
		err = r.client.SRem(ctx, r.liveSetKey(), string(id)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update live set: %w", err)
	}
	return nil
}

func (r *StreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	ids, err := r.client.SMembers(ctx, r.liveSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read live set: %w", err)
	}

	var streams []*domain.Stream
	for _, id := range ids {
		stream, err := r.GetByID(ctx, domain.StreamID(id))
		if err != nil {
			// Skip records that vanished between SMEMBERS and GET.
			continue
		}
		if stream.Live {
			streams = append(streams, stream)
		}
	}
	return streams, nil
}
