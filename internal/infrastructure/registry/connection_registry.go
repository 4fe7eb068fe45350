package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/pkg/utils"

	"go.uber.org/zap"
)

const shardCount = 32

// shard holds the connections of a subset of streams. All streams with
// the same hash land on the same shard, so per-stream operations are
// linearized without a global lock.
type shard struct {
	mu       sync.RWMutex
	conns    map[domain.ConnectionID]*domain.Connection
	byStream map[domain.StreamID]map[domain.Role]map[domain.ConnectionID]*domain.Connection
}

func newShard() *shard {
	return &shard{
		conns:    make(map[domain.ConnectionID]*domain.Connection),
		byStream: make(map[domain.StreamID]map[domain.Role]map[domain.ConnectionID]*domain.Connection),
	}
}

// ConnectionRegistry is the single owner of live connection records.
// Other components refer to connections by id only.
type ConnectionRegistry struct {
	shards [shardCount]*shard

	// index maps connection id to its stream so id-keyed operations can
	// find the right shard.
	index sync.Map // domain.ConnectionID -> domain.StreamID

	handlersMu sync.RWMutex
	handlers   []func(domain.ConnectionClosed)

	logger *zap.SugaredLogger
}

func NewConnectionRegistry(logger *zap.SugaredLogger) *ConnectionRegistry {
	r := &ConnectionRegistry{logger: logger}
	for i := range r.shards {
		r.shards[i] = newShard()
	}
	return r
}

var _ ports.ConnectionRegistry = (*ConnectionRegistry)(nil)

func (r *ConnectionRegistry) shardFor(streamID domain.StreamID) *shard {
	h := fnv.New32a()
	h.Write([]byte(streamID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *ConnectionRegistry) Register(ctx context.Context, streamID domain.StreamID, role domain.Role, participantID domain.ParticipantID) (domain.Connection, error) {
	now := time.Now()
	conn := &domain.Connection{
		ID:            domain.ConnectionID(utils.GenerateConnectionID()),
		StreamID:      streamID,
		Role:          role,
		ParticipantID: participantID,
		LinkState:     domain.LinkNew,
		RegisteredAt:  now,
		LastSeenAt:    now,
	}

	s := r.shardFor(streamID)
	s.mu.Lock()
	s.conns[conn.ID] = conn
	roles, ok := s.byStream[streamID]
	if !ok {
		roles = make(map[domain.Role]map[domain.ConnectionID]*domain.Connection)
		s.byStream[streamID] = roles
	}
	set, ok := roles[role]
	if !ok {
		set = make(map[domain.ConnectionID]*domain.Connection)
		roles[role] = set
	}
	set[conn.ID] = conn
	s.mu.Unlock()

	r.index.Store(conn.ID, streamID)

	r.logger.Debugw("connection registered",
		"connection_id", conn.ID,
		"stream_id", streamID,
		"role", role,
		"participant_id", participantID,
	)

	return *conn, nil
}

// Unregister removes the connection and fires ConnectionClosed exactly
// once. Repeated calls for the same id are no-ops. Handlers run after
// shard locks are released, so they may call back into the registry.
func (r *ConnectionRegistry) Unregister(ctx context.Context, id domain.ConnectionID, reason domain.CloseReason) bool {
	streamVal, ok := r.index.LoadAndDelete(id)
	if !ok {
		return false
	}
	streamID := streamVal.(domain.StreamID)

	s := r.shardFor(streamID)
	s.mu.Lock()
	conn, exists := s.conns[id]
	if !exists {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, id)
	conn.LinkState = domain.LinkClosed
	if roles, ok := s.byStream[streamID]; ok {
		if set, ok := roles[conn.Role]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(roles, conn.Role)
			}
		}
		if len(roles) == 0 {
			delete(s.byStream, streamID)
		}
	}
	event := domain.ConnectionClosed{
		ConnectionID:  conn.ID,
		StreamID:      conn.StreamID,
		Role:          conn.Role,
		ParticipantID: conn.ParticipantID,
		Reason:        reason,
		At:            time.Now(),
	}
	s.mu.Unlock()

	r.logger.Debugw("connection unregistered",
		"connection_id", id,
		"stream_id", streamID,
		"role", conn.Role,
		"reason", reason,
	)

	r.handlersMu.RLock()
	handlers := r.handlers
	r.handlersMu.RUnlock()
	for _, h := range handlers {
		h(event)
	}

	return true
}

func (r *ConnectionRegistry) Get(ctx context.Context, id domain.ConnectionID) (domain.Connection, error) {
	streamVal, ok := r.index.Load(id)
	if !ok {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	s := r.shardFor(streamVal.(domain.StreamID))
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, exists := s.conns[id]
	if !exists {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	return *conn, nil
}

func (r *ConnectionRegistry) Lookup(ctx context.Context, streamID domain.StreamID, role domain.Role) ([]domain.Connection, error) {
	s := r.shardFor(streamID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byStream[streamID][role]
	conns := make([]domain.Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, *conn)
	}
	return conns, nil
}

func (r *ConnectionRegistry) LookupParticipant(ctx context.Context, streamID domain.StreamID, role domain.Role, participantID domain.ParticipantID) (domain.Connection, error) {
	s := r.shardFor(streamID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conn := range s.byStream[streamID][role] {
		if conn.ParticipantID == participantID {
			return *conn, nil
		}
	}
	return domain.Connection{}, domain.ErrConnectionNotFound
}

func (r *ConnectionRegistry) Touch(ctx context.Context, id domain.ConnectionID) error {
	streamVal, ok := r.index.Load(id)
	if !ok {
		return domain.ErrConnectionNotFound
	}
	s := r.shardFor(streamVal.(domain.StreamID))
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, exists := s.conns[id]
	if !exists {
		return domain.ErrConnectionNotFound
	}
	conn.LastSeenAt = time.Now()
	return nil
}

func (r *ConnectionRegistry) AdvanceLink(ctx context.Context, id domain.ConnectionID, next domain.PeerLinkState) error {
	streamVal, ok := r.index.Load(id)
	if !ok {
		return domain.ErrConnectionNotFound
	}
	s := r.shardFor(streamVal.(domain.StreamID))
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, exists := s.conns[id]
	if !exists {
		return domain.ErrConnectionNotFound
	}
	if !conn.LinkState.CanAdvanceTo(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStateTransition, conn.LinkState, next)
	}
	conn.LinkState = next
	return nil
}

func (r *ConnectionRegistry) OnClosed(handler func(domain.ConnectionClosed)) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers = append(r.handlers, handler)
}

func (r *ConnectionRegistry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.conns)
		s.mu.RUnlock()
	}
	return total
}

// staleBefore returns ids of connections whose LastSeenAt is older than
// the cutoff. Used by the liveness supervisor only.
func (r *ConnectionRegistry) staleBefore(cutoff time.Time) []domain.ConnectionID {
	var stale []domain.ConnectionID
	for _, s := range r.shards {
		s.mu.RLock()
		for id, conn := range s.conns {
			if conn.LastSeenAt.Before(cutoff) {
				stale = append(stale, id)
			}
		}
		s.mu.RUnlock()
	}
	return stale
}
