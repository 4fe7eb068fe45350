package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	apperrors "streamcast/pkg/errors"
	"streamcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options tunes transport behavior per connection.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	MaxMessageSize int64
	AllowedOrigins []string
}

// client is one upgraded socket with its bounded outbound queue. The
// write pump is the only goroutine touching the conn for writes.
type client struct {
	conn  *websocket.Conn
	sendQ chan *domain.SignalEnvelope

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WebSocketServer terminates signaling and chat sockets. It implements
// ports.MessageSink: everything outbound goes through per-connection
// queues, never directly onto a socket.
type WebSocketServer struct {
	registry ports.ConnectionRegistry
	auth     ports.AuthVerifier
	streams  ports.StreamRepository

	router      ports.SignalRouter
	coordinator ports.SessionCoordinator
	chat        ports.ChatBus

	clients  sync.Map // domain.ConnectionID -> *client
	upgrader websocket.Upgrader
	opts     Options
	logger   *zap.SugaredLogger

	onDrop      func()
	onOpen      func(domain.Role)
	onHandshake func(time.Duration)
	onRouted    func(time.Duration)
}

func NewWebSocketServer(registry ports.ConnectionRegistry, auth ports.AuthVerifier, streams ports.StreamRepository, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		registry: registry,
		auth:     auth,
		streams:  streams,
		opts:     opts,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	// A forced or stale unregister elsewhere must tear the socket down too.
	registry.OnClosed(func(ev domain.ConnectionClosed) {
		if v, ok := s.clients.LoadAndDelete(ev.ConnectionID); ok {
			v.(*client).close()
		}
	})
	return s
}

var _ ports.MessageSink = (*WebSocketServer)(nil)

// Attach wires the services the server dispatches into. Separate from
// the constructor because those services need the server as their sink.
func (s *WebSocketServer) Attach(router ports.SignalRouter, coordinator ports.SessionCoordinator, chat ports.ChatBus) {
	s.router = router
	s.coordinator = coordinator
	s.chat = chat
}

// SetDropListener registers a hook invoked on every backpressure drop.
func (s *WebSocketServer) SetDropListener(fn func()) {
	s.onDrop = fn
}

// SetOpenListener registers a hook invoked when a connection registers.
func (s *WebSocketServer) SetOpenListener(fn func(domain.Role)) {
	s.onOpen = fn
}

// SetTimingListeners registers latency hooks: handshake covers upgrade
// through session join, routed covers one inbound envelope.
func (s *WebSocketServer) SetTimingListeners(handshake, routed func(time.Duration)) {
	s.onHandshake = handshake
	s.onRouted = routed
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Send queues the envelope for the connection. A full queue fails fast
// with ErrBackpressure instead of blocking the caller.
func (s *WebSocketServer) Send(id domain.ConnectionID, env *domain.SignalEnvelope) error {
	v, ok := s.clients.Load(id)
	if !ok {
		return domain.ErrConnectionNotFound
	}
	cl := v.(*client)

	select {
	case cl.sendQ <- env:
		return nil
	case <-cl.done:
		return domain.ErrConnectionNotFound
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
		return domain.ErrBackpressure
	}
}

// ConnectionCount reports the number of attached sockets.
func (s *WebSocketServer) ConnectionCount() int {
	count := 0
	s.clients.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// RegisterRoutes mounts the three socket endpoints.
func (s *WebSocketServer) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws/broadcast/:streamId", s.HandleBroadcast)
	r.GET("/ws/watch/:streamId", s.HandleWatch)
	r.GET("/ws/chat/:streamId", s.HandleChat)
}

func (s *WebSocketServer) HandleBroadcast(c *gin.Context) {
	s.handleSocket(c, domain.RoleBroadcaster)
}

func (s *WebSocketServer) HandleWatch(c *gin.Context) {
	s.handleSocket(c, domain.RoleViewer)
}

func (s *WebSocketServer) HandleChat(c *gin.Context) {
	s.handleSocket(c, domain.RoleChatParticipant)
}

func (s *WebSocketServer) handleSocket(c *gin.Context, role domain.Role) {
	ctx := c.Request.Context()
	streamID := domain.StreamID(c.Param("streamId"))

	if err := validation.ValidateStreamID(string(streamID)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stream, err := s.streams.GetByID(ctx, streamID)
	if err != nil {
		appErr := apperrors.FromDomain(err)
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message})
		return
	}

	token := c.Query("token")
	if token == "" {
		token = bearerToken(c.Request)
	}
	participantID, username, err := s.auth.Verify(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication rejected"})
		return
	}

	// The broadcaster slot of an owned stream belongs to its owner. Guest
	// ids are generated per handshake and can never match a recorded owner.
	if role == domain.RoleBroadcaster && stream.OwnerID != "" && participantID != stream.OwnerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the stream owner can broadcast"})
		return
	}

	// Auth and existence are settled; everything after the upgrade speaks
	// the envelope protocol, including errors.
	handshakeStart := time.Now()
	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "stream_id", streamID, "error", err)
		return
	}

	conn, err := s.registry.Register(ctx, streamID, role, participantID)
	if err != nil {
		wsConn.Close()
		return
	}

	cl := &client{
		conn:  wsConn,
		sendQ: make(chan *domain.SignalEnvelope, s.opts.SendQueueSize),
		done:  make(chan struct{}),
	}
	s.clients.Store(conn.ID, cl)
	if s.onOpen != nil {
		s.onOpen(role)
	}

	s.logger.Infow("connection established",
		"connection_id", conn.ID,
		"stream_id", streamID,
		"role", role,
		"participant_id", participantID,
	)

	go s.writePump(conn.ID, cl)

	if err := s.joinSession(ctx, conn, username); err != nil {
		s.sendError(conn.ID, streamID, err)
		// Give the write pump a moment to flush the rejection.
		time.Sleep(50 * time.Millisecond)
		s.teardown(conn.ID, domain.CloseExplicit)
		return
	}
	if s.onHandshake != nil {
		s.onHandshake(time.Since(handshakeStart))
	}

	s.readPump(conn, cl)
}

// joinSession runs the role-specific join flow after the socket is up.
func (s *WebSocketServer) joinSession(ctx context.Context, conn domain.Connection, username string) error {
	switch conn.Role {
	case domain.RoleBroadcaster:
		return s.coordinator.BroadcasterJoined(ctx, conn.StreamID, conn)

	case domain.RoleViewer:
		return s.coordinator.ViewerJoined(ctx, conn.StreamID, conn)

	case domain.RoleChatParticipant:
		history, err := s.chat.Subscribe(ctx, conn.StreamID, conn, username)
		if err != nil {
			return err
		}
		env, err := domain.NewEnvelope(domain.TypeChatHistory, conn.StreamID, history)
		if err != nil {
			return err
		}
		return s.Send(conn.ID, env)

	default:
		return domain.ErrAuthRejected
	}
}

func (s *WebSocketServer) readPump(conn domain.Connection, cl *client) {
	defer s.teardown(conn.ID, domain.CloseRemote)

	cl.conn.SetReadLimit(s.opts.MaxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		s.registry.Touch(context.Background(), conn.ID)
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("socket read failed", "connection_id", conn.ID, "error", err)
			}
			return
		}
		cl.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		var env domain.SignalEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(conn.ID, conn.StreamID, domain.ErrInvalidStateTransition)
			continue
		}
		if env.StreamID == "" {
			env.StreamID = conn.StreamID
		}
		env.Sender = conn.ParticipantID

		routeStart := time.Now()
		if err := s.router.Route(context.Background(), conn, &env); err != nil {
			s.logger.Debugw("route failed",
				"connection_id", conn.ID,
				"type", env.Type,
				"error", err,
			)
			s.sendError(conn.ID, conn.StreamID, err)
		}
		if s.onRouted != nil {
			s.onRouted(time.Since(routeStart))
		}

		// An explicit leave unregisters the connection; stop reading.
		if env.Type == domain.TypeLeaveStream {
			return
		}
	}
}

func (s *WebSocketServer) writePump(id domain.ConnectionID, cl *client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-cl.sendQ:
			cl.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := cl.conn.WriteJSON(env); err != nil {
				s.teardown(id, domain.CloseRemote)
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.teardown(id, domain.CloseRemote)
				return
			}

		case <-cl.done:
			return
		}
	}
}

// teardown closes the socket and unregisters exactly once. Safe to call
// from both pumps and the registry close hook.
func (s *WebSocketServer) teardown(id domain.ConnectionID, reason domain.CloseReason) {
	if v, ok := s.clients.LoadAndDelete(id); ok {
		v.(*client).close()
	}
	s.registry.Unregister(context.Background(), id, reason)
}

// sendError pushes an error envelope. Best effort: a full queue on an
// erroring connection is not worth fighting.
func (s *WebSocketServer) sendError(id domain.ConnectionID, streamID domain.StreamID, cause error) {
	appErr := apperrors.FromDomain(cause)
	env, err := domain.NewEnvelope(domain.TypeError, streamID, domain.ErrorPayload{
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
	if err != nil {
		return
	}
	if err := s.Send(id, env); err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
		s.logger.Debugw("error envelope dropped", "connection_id", id, "error", err)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
