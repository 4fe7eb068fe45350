package memory

import (
	"context"
	"sync"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
)

type StreamRepository struct {
	mu      sync.RWMutex
	streams map[domain.StreamID]*domain.Stream
}

func NewStreamRepository() *StreamRepository {
	return &StreamRepository{
		streams: make(map[domain.StreamID]*domain.Stream),
	}
}

var _ ports.StreamRepository = (*StreamRepository)(nil)

func (r *StreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *stream
	r.streams[stream.ID] = &cp
	return nil
}

func (r *StreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, ok := r.streams[id]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	cp := *stream
	return &cp, nil
}

func (r *StreamRepository) SetLive(ctx context.Context, id domain.StreamID, live bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[id]
	if !ok {
		return domain.ErrStreamNotFound
	}
	stream.Live = live
	return nil
}

func (r *StreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var live []*domain.Stream
	for _, stream := range r.streams {
		if stream.Live {
			cp := *stream
			live = append(live, &cp)
		}
	}
	return live, nil
}
