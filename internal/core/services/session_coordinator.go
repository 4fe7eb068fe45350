package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"

	"go.uber.org/zap"
)

// viewerEntry is one row of the pairing table. notified guards the
// exactly-once viewer-joined push to the broadcaster.
type viewerEntry struct {
	connID   domain.ConnectionID
	notified bool
}

// session is the mutable per-stream state. Its mutex linearizes all
// mutations for one stream; independent streams never contend.
type session struct {
	mu sync.Mutex

	streamID        domain.StreamID
	state           domain.SessionState
	broadcasterConn domain.ConnectionID
	broadcasterID   domain.ParticipantID
	ownerID         domain.ParticipantID
	viewers         map[domain.ParticipantID]*viewerEntry
	startedAt       time.Time
}

type Coordinator struct {
	mu       sync.RWMutex
	sessions map[domain.StreamID]*session

	registry ports.ConnectionRegistry
	sink     ports.MessageSink
	chat     ports.ChatBus

	onStateChange   func(domain.StreamID, domain.SessionState)
	onViewersChange func(domain.StreamID, int)
	logger          *zap.SugaredLogger
}

// NewSessionCoordinator builds the coordinator and hooks it into the
// registry's ConnectionClosed stream. The chat bus may be nil in tests.
func NewSessionCoordinator(registry ports.ConnectionRegistry, sink ports.MessageSink, chat ports.ChatBus, logger *zap.SugaredLogger) *Coordinator {
	c := &Coordinator{
		sessions: make(map[domain.StreamID]*session),
		registry: registry,
		sink:     sink,
		chat:     chat,
		logger:   logger,
	}
	registry.OnClosed(c.handleConnectionClosed)
	return c
}

var _ ports.SessionCoordinator = (*Coordinator)(nil)

// SetStateListener registers a hook invoked on every session state
// change, used for metrics.
func (c *Coordinator) SetStateListener(fn func(domain.StreamID, domain.SessionState)) {
	c.onStateChange = fn
}

// SetViewerListener registers a hook invoked with the viewer count after
// every change, used for metrics.
func (c *Coordinator) SetViewerListener(fn func(domain.StreamID, int)) {
	c.onViewersChange = fn
}

func (c *Coordinator) notifyViewers(streamID domain.StreamID, count int) {
	if c.onViewersChange != nil {
		c.onViewersChange(streamID, count)
	}
}

func (c *Coordinator) getOrCreate(streamID domain.StreamID) *session {
	c.mu.RLock()
	s, ok := c.sessions[streamID]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[streamID]; ok {
		return s
	}
	s = &session{
		streamID: streamID,
		state:    domain.SessionIdle,
		viewers:  make(map[domain.ParticipantID]*viewerEntry),
	}
	c.sessions[streamID] = s
	return s
}

func (c *Coordinator) lookup(streamID domain.StreamID) (*session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[streamID]
	return s, ok
}

func (c *Coordinator) drop(streamID domain.StreamID) {
	c.mu.Lock()
	delete(c.sessions, streamID)
	c.mu.Unlock()
}

func (c *Coordinator) setState(s *session, next domain.SessionState) {
	if s.state == next {
		return
	}
	c.logger.Infow("session state change",
		"stream_id", s.streamID,
		"from", s.state,
		"to", next,
	)
	s.state = next
	if c.onStateChange != nil {
		c.onStateChange(s.streamID, next)
	}
}

func (c *Coordinator) BroadcasterJoined(ctx context.Context, streamID domain.StreamID, conn domain.Connection) error {
	s := c.getOrCreate(streamID)
	s.mu.Lock()

	if s.broadcasterConn != "" && s.broadcasterConn != conn.ID {
		// The slot is taken unless the incumbent's connection is already
		// gone (crashed without a close frame, or liveness not yet swept).
		// Same participant reconnecting replaces its own dead connection.
		if _, err := c.registry.Get(ctx, s.broadcasterConn); err == nil {
			if s.broadcasterID != conn.ParticipantID {
				s.mu.Unlock()
				return domain.ErrSessionConflict
			}
			// Reconnect: force out the stale connection outside the lock.
			stale := s.broadcasterConn
			defer c.registry.Unregister(ctx, stale, domain.CloseForced)
		}
	}

	s.broadcasterConn = conn.ID
	s.broadcasterID = conn.ParticipantID
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	c.setState(s, domain.SessionLive)
	if c.chat != nil {
		c.chat.StreamStarted(ctx, streamID)
	}

	// Flush parked viewers: each produces exactly one viewer-joined.
	var pending []domain.ParticipantID
	for viewerID, entry := range s.viewers {
		if !entry.notified {
			entry.notified = true
			pending = append(pending, viewerID)
		}
	}
	broadcasterConn := s.broadcasterConn
	s.mu.Unlock()

	for _, viewerID := range pending {
		c.pushViewerEvent(streamID, broadcasterConn, domain.TypeViewerJoined, viewerID)
	}
	return nil
}

func (c *Coordinator) ViewerJoined(ctx context.Context, streamID domain.StreamID, conn domain.Connection) error {
	s := c.getOrCreate(streamID)
	s.mu.Lock()

	if existing, ok := s.viewers[conn.ParticipantID]; ok && existing.connID != conn.ID {
		// A viewer never appears twice in the same set. A fresh join from
		// the same participant is a reconnect: the old entry is replaced
		// and its connection forced out.
		stale := existing.connID
		defer c.registry.Unregister(ctx, stale, domain.CloseForced)
	}

	entry := &viewerEntry{connID: conn.ID}
	s.viewers[conn.ParticipantID] = entry

	live := s.state == domain.SessionLive && s.broadcasterConn != ""
	if live {
		entry.notified = true
	} else if s.state == domain.SessionIdle {
		c.setState(s, domain.SessionAwaitingBroadcaster)
	}
	broadcasterConn := s.broadcasterConn
	count := len(s.viewers)
	s.mu.Unlock()

	c.notifyViewers(streamID, count)
	if live {
		c.pushViewerEvent(streamID, broadcasterConn, domain.TypeViewerJoined, conn.ParticipantID)
	}
	return nil
}

func (c *Coordinator) ResolveTarget(ctx context.Context, streamID domain.StreamID, from domain.Connection, target domain.ParticipantID) (domain.ConnectionID, error) {
	s, ok := c.lookup(streamID)
	if !ok {
		return "", domain.ErrUnknownPeer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch from.Role {
	case domain.RoleBroadcaster:
		if s.broadcasterConn != from.ID {
			return "", domain.ErrUnknownPeer
		}
		entry, ok := s.viewers[target]
		if !ok {
			return "", domain.ErrUnknownPeer
		}
		return entry.connID, nil

	case domain.RoleViewer:
		if s.state != domain.SessionLive || s.broadcasterConn == "" {
			return "", domain.ErrUnknownPeer
		}
		entry, ok := s.viewers[from.ParticipantID]
		if !ok || entry.connID != from.ID {
			return "", domain.ErrUnknownPeer
		}
		return s.broadcasterConn, nil

	default:
		return "", domain.ErrUnknownPeer
	}
}

func (c *Coordinator) StreamStarted(ctx context.Context, streamID domain.StreamID, broadcasterID domain.ParticipantID) error {
	s := c.getOrCreate(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ownerID = broadcasterID
	if s.state == domain.SessionIdle {
		c.setState(s, domain.SessionAwaitingBroadcaster)
	}
	return nil
}

// StreamStopped is the admin-forced teardown: it drains the session even
// when no broadcaster connection close was observed.
func (c *Coordinator) StreamStopped(ctx context.Context, streamID domain.StreamID) error {
	s, ok := c.lookup(streamID)
	if !ok {
		return domain.ErrSessionNotFound
	}

	s.mu.Lock()
	c.setState(s, domain.SessionEnding)
	broadcasterConn := s.broadcasterConn
	viewers := make(map[domain.ParticipantID]domain.ConnectionID, len(s.viewers))
	for id, entry := range s.viewers {
		viewers[id] = entry.connID
	}
	s.broadcasterConn = ""
	s.viewers = make(map[domain.ParticipantID]*viewerEntry)
	c.setState(s, domain.SessionIdle)
	s.mu.Unlock()

	c.drop(streamID)
	c.notifyViewers(streamID, 0)
	c.drainViewers(ctx, streamID, viewers)

	if broadcasterConn != "" {
		c.registry.Unregister(ctx, broadcasterConn, domain.CloseForced)
	}
	if c.chat != nil {
		c.chat.StreamEnded(ctx, streamID)
	}
	return nil
}

func (c *Coordinator) Session(ctx context.Context, streamID domain.StreamID) (domain.StreamSession, error) {
	s, ok := c.lookup(streamID)
	if !ok {
		return domain.StreamSession{}, domain.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.StreamSession{
		StreamID:      s.streamID,
		State:         s.state,
		BroadcasterID: s.broadcasterConn,
		OwnerID:       s.ownerID,
		Viewers:       make(map[domain.ParticipantID]domain.ConnectionID, len(s.viewers)),
		StartedAt:     s.startedAt,
	}
	for id, entry := range s.viewers {
		snap.Viewers[id] = entry.connID
	}
	return snap, nil
}

func (c *Coordinator) Metrics(ctx context.Context, streamID domain.StreamID) (domain.SessionMetrics, error) {
	snap, err := c.Session(ctx, streamID)
	if err != nil {
		return domain.SessionMetrics{}, err
	}
	return domain.SessionMetrics{
		StreamID:    snap.StreamID,
		State:       snap.State,
		ViewerCount: len(snap.Viewers),
		StartedAt:   snap.StartedAt,
	}, nil
}

// handleConnectionClosed reacts to registry evictions and explicit
// closes. It runs outside registry locks and may call the registry.
func (c *Coordinator) handleConnectionClosed(ev domain.ConnectionClosed) {
	ctx := context.Background()

	s, ok := c.lookup(ev.StreamID)
	if !ok {
		return
	}

	switch ev.Role {
	case domain.RoleBroadcaster:
		s.mu.Lock()
		if s.broadcasterConn != ev.ConnectionID {
			s.mu.Unlock()
			return
		}
		c.setState(s, domain.SessionEnding)
		viewers := make(map[domain.ParticipantID]domain.ConnectionID, len(s.viewers))
		for id, entry := range s.viewers {
			viewers[id] = entry.connID
		}
		s.broadcasterConn = ""
		s.viewers = make(map[domain.ParticipantID]*viewerEntry)
		c.setState(s, domain.SessionIdle)
		s.mu.Unlock()

		c.drop(ev.StreamID)
		c.notifyViewers(ev.StreamID, 0)
		c.drainViewers(ctx, ev.StreamID, viewers)
		if c.chat != nil {
			c.chat.StreamEnded(ctx, ev.StreamID)
		}

	case domain.RoleViewer:
		s.mu.Lock()
		entry, ok := s.viewers[ev.ParticipantID]
		if !ok || entry.connID != ev.ConnectionID {
			s.mu.Unlock()
			return
		}
		delete(s.viewers, ev.ParticipantID)
		broadcasterConn := s.broadcasterConn
		live := s.state == domain.SessionLive && broadcasterConn != ""
		count := len(s.viewers)
		s.mu.Unlock()

		c.notifyViewers(ev.StreamID, count)
		if live {
			c.pushViewerEvent(ev.StreamID, broadcasterConn, domain.TypeViewerLeft, ev.ParticipantID)
		}
	}
}

// drainViewers notifies every viewer the broadcast ended and forces
// their peer links closed. Queued messages already in flight drain
// normally; only new routing is cut off.
func (c *Coordinator) drainViewers(ctx context.Context, streamID domain.StreamID, viewers map[domain.ParticipantID]domain.ConnectionID) {
	for viewerID, connID := range viewers {
		env, err := domain.NewEnvelope(domain.TypeBroadcasterLeft, streamID, nil)
		if err != nil {
			continue
		}
		if err := c.sink.Send(connID, env); err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			c.logger.Debugw("failed to notify viewer of broadcast end",
				"stream_id", streamID,
				"viewer_id", viewerID,
				"error", err,
			)
		}
		if err := c.registry.AdvanceLink(ctx, connID, domain.LinkClosed); err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			c.logger.Debugw("failed to close viewer link", "viewer_id", viewerID, "error", err)
		}
	}
}

func (c *Coordinator) pushViewerEvent(streamID domain.StreamID, broadcasterConn domain.ConnectionID, t domain.MessageType, viewerID domain.ParticipantID) {
	env, err := domain.NewEnvelope(t, streamID, map[string]string{"viewer_id": string(viewerID)})
	if err != nil {
		return
	}
	env.Sender = viewerID
	if err := c.sink.Send(broadcasterConn, env); err != nil {
		c.logger.Warnw("failed to push viewer event to broadcaster",
			"stream_id", streamID,
			"type", t,
			"viewer_id", viewerID,
			"error", err,
		)
	}
}
