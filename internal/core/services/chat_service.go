package services

import (
	"context"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/pkg/circuitbreaker"
	"streamcast/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ChatRelay propagates chat events across instances. Implemented by the
// Redis event bus; nil disables cross-instance fan-out.
type ChatRelay interface {
	PublishChat(ctx context.Context, msg *domain.ChatMessage) error
	PublishDeletion(ctx context.Context, streamID domain.StreamID, messageID string) error
}

// ChatConfig tunes history replay, dedup and flood control.
type ChatConfig struct {
	HistoryLimit      int
	GraceWindow       time.Duration
	DedupWindow       time.Duration
	DedupRingSize     int
	MessagesPerSecond float64
	Burst             int
}

type chatSubscriber struct {
	participantID domain.ParticipantID
	username      string
}

// dedupEntry remembers a recently accepted message so retransmits of the
// same client message id, or identical content inside the dedup window,
// resolve to the already assigned message.
type dedupEntry struct {
	senderID    domain.ParticipantID
	clientMsgID string
	content     string
	acceptedAt  time.Time
	msg         *domain.ChatMessage
}

type chatTopic struct {
	mu          sync.Mutex
	streamID    domain.StreamID
	subscribers map[domain.ConnectionID]chatSubscriber
	nextSeq     uint64
	closesAt    time.Time
	ring        []dedupEntry
	ringPos     int
	limiters    map[domain.ParticipantID]*rate.Limiter
}

// ChatService implements ports.ChatBus with write-then-broadcast
// ordering: a message reaches subscribers only after it is persisted and
// carries its topic sequence number.
type ChatService struct {
	mu     sync.RWMutex
	topics map[domain.StreamID]*chatTopic

	repo    ports.ChatRepository
	sink    ports.MessageSink
	relay   ChatRelay
	breaker *circuitbreaker.CircuitBreaker
	cfg     ChatConfig
	logger  *zap.SugaredLogger
}

func NewChatService(repo ports.ChatRepository, sink ports.MessageSink, relay ChatRelay, registry ports.ConnectionRegistry, cfg ChatConfig, logger *zap.SugaredLogger) *ChatService {
	s := &ChatService{
		topics:  make(map[domain.StreamID]*chatTopic),
		repo:    repo,
		sink:    sink,
		relay:   relay,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		cfg:     cfg,
		logger:  logger,
	}
	registry.OnClosed(s.handleConnectionClosed)
	return s
}

var _ ports.ChatBus = (*ChatService)(nil)

func (s *ChatService) getOrCreateTopic(streamID domain.StreamID) *chatTopic {
	s.mu.RLock()
	t, ok := s.topics[streamID]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[streamID]; ok {
		return t
	}
	t = &chatTopic{
		streamID:    streamID,
		subscribers: make(map[domain.ConnectionID]chatSubscriber),
		nextSeq:     1,
		ring:        make([]dedupEntry, s.cfg.DedupRingSize),
		limiters:    make(map[domain.ParticipantID]*rate.Limiter),
	}
	s.topics[streamID] = t
	return t
}

func (s *ChatService) lookupTopic(streamID domain.StreamID) (*chatTopic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[streamID]
	return t, ok
}

func (s *ChatService) Subscribe(ctx context.Context, streamID domain.StreamID, conn domain.Connection, username string) ([]*domain.ChatMessage, error) {
	t := s.getOrCreateTopic(streamID)

	t.mu.Lock()
	if !t.closesAt.IsZero() && time.Now().After(t.closesAt) {
		t.mu.Unlock()
		return nil, domain.ErrTopicClosed
	}
	t.subscribers[conn.ID] = chatSubscriber{
		participantID: conn.ParticipantID,
		username:      username,
	}
	t.mu.Unlock()

	history, err := s.repo.Recent(ctx, streamID, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Warnw("chat history fetch failed", "stream_id", streamID, "error", err)
		return nil, nil
	}
	return history, nil
}

func (s *ChatService) Unsubscribe(ctx context.Context, streamID domain.StreamID, id domain.ConnectionID) {
	t, ok := s.lookupTopic(streamID)
	if !ok {
		return
	}
	t.mu.Lock()
	sub, had := t.subscribers[id]
	delete(t.subscribers, id)
	if had {
		stillPresent := false
		for _, other := range t.subscribers {
			if other.participantID == sub.participantID {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			delete(t.limiters, sub.participantID)
		}
	}
	t.mu.Unlock()
}

func (s *ChatService) Publish(ctx context.Context, streamID domain.StreamID, sender domain.Connection, username string, payload domain.ChatPayload) (*domain.ChatMessage, error) {
	t := s.getOrCreateTopic(streamID)
	now := time.Now()

	t.mu.Lock()
	if !t.closesAt.IsZero() && now.After(t.closesAt) {
		t.mu.Unlock()
		return nil, domain.ErrTopicClosed
	}

	// The subscriber record carries the handshake-resolved display name;
	// prefer it over the caller's fallback.
	if sub, ok := t.subscribers[sender.ID]; ok && sub.username != "" {
		username = sub.username
	}

	limiter, ok := t.limiters[sender.ParticipantID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
		t.limiters[sender.ParticipantID] = limiter
	}
	if !limiter.Allow() {
		t.mu.Unlock()
		return nil, domain.ErrBackpressure
	}

	content := utils.SanitizeChatContent(payload.Content)

	if dup := t.findDuplicate(sender.ParticipantID, payload.ClientMsgID, content, now.Add(-s.cfg.DedupWindow)); dup != nil {
		t.mu.Unlock()
		return dup, nil
	}

	msg := &domain.ChatMessage{
		ID:        utils.GenerateMessageID(),
		StreamID:  streamID,
		SenderID:  sender.ParticipantID,
		Username:  username,
		Content:   content,
		CreatedAt: now,
	}
	// Seq and the ring slot are claimed before the write so the stored
	// form matches the broadcast form, and a concurrent retransmit resolves
	// to this message instead of slipping past the ring during the save.
	msg.Seq = t.nextSeq
	t.nextSeq++
	t.remember(dedupEntry{
		senderID:    sender.ParticipantID,
		clientMsgID: payload.ClientMsgID,
		content:     content,
		acceptedAt:  now,
		msg:         msg,
	})
	t.mu.Unlock()

	// Persist before anyone sees it. The breaker keeps a dead store from
	// stalling every publish.
	if err := s.breaker.Execute(ctx, func() error {
		return s.repo.Save(ctx, msg)
	}); err != nil {
		t.forget(msg)
		return nil, err
	}

	t.mu.Lock()
	targets := t.deliveryTargets(sender.ID)
	t.mu.Unlock()

	s.fanOut(streamID, domain.TypeNewMessage, msg, targets)
	s.ack(streamID, sender.ID, msg)

	if s.relay != nil {
		if err := s.relay.PublishChat(ctx, msg); err != nil {
			s.logger.Warnw("chat relay publish failed", "stream_id", streamID, "error", err)
		}
	}
	return msg, nil
}

func (s *ChatService) Delete(ctx context.Context, streamID domain.StreamID, requester domain.ParticipantID, messageID string) error {
	msg, err := s.repo.GetByID(ctx, streamID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != requester {
		return domain.ErrNotMessageAuthor
	}
	if err := s.repo.MarkDeleted(ctx, streamID, messageID); err != nil {
		return err
	}

	s.broadcastDeletion(streamID, messageID)

	if s.relay != nil {
		if err := s.relay.PublishDeletion(ctx, streamID, messageID); err != nil {
			s.logger.Warnw("chat relay deletion failed", "stream_id", streamID, "error", err)
		}
	}
	return nil
}

// StreamEnded arms the grace window. Subscribers may keep chatting until
// it elapses, then the topic is torn down.
func (s *ChatService) StreamEnded(ctx context.Context, streamID domain.StreamID) {
	t, ok := s.lookupTopic(streamID)
	if !ok {
		return
	}

	t.mu.Lock()
	if !t.closesAt.IsZero() {
		t.mu.Unlock()
		return
	}
	t.closesAt = time.Now().Add(s.cfg.GraceWindow)
	t.mu.Unlock()

	s.logger.Infow("chat grace window started",
		"stream_id", streamID,
		"grace_window", s.cfg.GraceWindow,
	)

	time.AfterFunc(s.cfg.GraceWindow, func() {
		s.closeTopic(streamID)
	})
}

// StreamStarted reopens the topic when a new broadcast begins. Sequence
// numbers keep climbing across broadcasts of the same stream.
func (s *ChatService) StreamStarted(ctx context.Context, streamID domain.StreamID) {
	t, ok := s.lookupTopic(streamID)
	if !ok {
		return
	}
	t.mu.Lock()
	t.closesAt = time.Time{}
	t.mu.Unlock()
}

// ApplyRemote delivers a message published by another instance to local
// subscribers. It skips persistence; the origin instance already wrote it.
func (s *ChatService) ApplyRemote(msg *domain.ChatMessage) {
	t, ok := s.lookupTopic(msg.StreamID)
	if !ok {
		return
	}
	t.mu.Lock()
	if msg.Seq >= t.nextSeq {
		t.nextSeq = msg.Seq + 1
	}
	targets := t.deliveryTargets("")
	t.mu.Unlock()

	s.fanOut(msg.StreamID, domain.TypeNewMessage, msg, targets)
}

// ApplyRemoteDeletion mirrors a deletion from another instance.
func (s *ChatService) ApplyRemoteDeletion(streamID domain.StreamID, messageID string) {
	s.broadcastDeletion(streamID, messageID)
}

func (s *ChatService) broadcastDeletion(streamID domain.StreamID, messageID string) {
	t, ok := s.lookupTopic(streamID)
	if !ok {
		return
	}
	t.mu.Lock()
	targets := t.deliveryTargets("")
	t.mu.Unlock()

	env, err := domain.NewEnvelope(domain.TypeMessageDeleted, streamID, map[string]string{"message_id": messageID})
	if err != nil {
		return
	}
	for _, id := range targets {
		s.send(id, env)
	}
}

// closeTopic drops subscribers when the grace window elapses. The topic
// stays in the map as a closed tombstone so later publishes are rejected
// until a new broadcast reopens it.
func (s *ChatService) closeTopic(streamID domain.StreamID) {
	t, ok := s.lookupTopic(streamID)
	if !ok {
		return
	}

	t.mu.Lock()
	if t.closesAt.IsZero() || time.Now().Before(t.closesAt) {
		// Reopened or extended while the timer was pending.
		t.mu.Unlock()
		return
	}
	count := len(t.subscribers)
	t.subscribers = make(map[domain.ConnectionID]chatSubscriber)
	t.limiters = make(map[domain.ParticipantID]*rate.Limiter)
	t.mu.Unlock()

	s.logger.Infow("chat topic closed", "stream_id", streamID, "dropped_subscribers", count)
}

func (s *ChatService) handleConnectionClosed(ev domain.ConnectionClosed) {
	s.Unsubscribe(context.Background(), ev.StreamID, ev.ConnectionID)
}

// fanOut pushes the message to each target. A full queue drops that one
// subscriber's copy; chat is best-effort per subscriber.
func (s *ChatService) fanOut(streamID domain.StreamID, t domain.MessageType, msg *domain.ChatMessage, targets []domain.ConnectionID) {
	env, err := domain.NewEnvelope(t, streamID, msg)
	if err != nil {
		s.logger.Errorw("failed to encode chat message", "stream_id", streamID, "error", err)
		return
	}
	env.Sender = msg.SenderID
	for _, id := range targets {
		s.send(id, env)
	}
}

func (s *ChatService) ack(streamID domain.StreamID, senderConn domain.ConnectionID, msg *domain.ChatMessage) {
	env, err := domain.NewEnvelope(domain.TypeMessageSent, streamID, msg)
	if err != nil {
		return
	}
	s.send(senderConn, env)
}

func (s *ChatService) send(id domain.ConnectionID, env *domain.SignalEnvelope) {
	if err := s.sink.Send(id, env); err != nil {
		s.logger.Debugw("chat delivery dropped", "connection_id", id, "type", env.Type, "error", err)
	}
}

// deliveryTargets snapshots subscriber connection ids, excluding the
// given connection. Callers hold t.mu.
func (t *chatTopic) deliveryTargets(exclude domain.ConnectionID) []domain.ConnectionID {
	targets := make([]domain.ConnectionID, 0, len(t.subscribers))
	for id := range t.subscribers {
		if id == exclude {
			continue
		}
		targets = append(targets, id)
	}
	return targets
}

// findDuplicate scans the dedup ring. A client message id match from the
// same sender always wins; otherwise identical content from the same
// sender inside the window counts. Callers hold t.mu.
func (t *chatTopic) findDuplicate(senderID domain.ParticipantID, clientMsgID, content string, windowStart time.Time) *domain.ChatMessage {
	for _, e := range t.ring {
		if e.msg == nil || e.senderID != senderID {
			continue
		}
		if clientMsgID != "" && e.clientMsgID == clientMsgID {
			return e.msg
		}
		if clientMsgID == "" && e.content == content && e.acceptedAt.After(windowStart) {
			return e.msg
		}
	}
	return nil
}

// forget undoes a reservation whose save failed: the ring entry is
// cleared and the sequence number handed back when no later publish has
// claimed one.
func (t *chatTopic) forget(msg *domain.ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.ring {
		if t.ring[i].msg == msg {
			t.ring[i] = dedupEntry{}
		}
	}
	if t.nextSeq == msg.Seq+1 {
		t.nextSeq = msg.Seq
	}
}

func (t *chatTopic) remember(e dedupEntry) {
	if len(t.ring) == 0 {
		return
	}
	t.ring[t.ringPos] = e
	t.ringPos = (t.ringPos + 1) % len(t.ring)
}
