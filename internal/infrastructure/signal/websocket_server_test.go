package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/services"
	"streamcast/internal/infrastructure/registry"
	"streamcast/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type wsFixture struct {
	server *httptest.Server
	ws     *WebSocketServer
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()

	reg := registry.NewConnectionRegistry(logger)
	streams := memory.NewStreamRepository()
	// stream-1 has no recorded owner, so guests can take the broadcaster
	// slot; stream-owned is locked to "owner".
	require.NoError(t, streams.Create(context.Background(), &domain.Stream{
		ID:    "stream-1",
		Title: "test stream",
	}))
	require.NoError(t, streams.Create(context.Background(), &domain.Stream{
		ID:      "stream-owned",
		OwnerID: "owner",
		Title:   "owned stream",
	}))

	auth := services.NewAuthService("test-secret", true, logger)
	ws := NewWebSocketServer(reg, auth, streams, Options{
		PingInterval:   10 * time.Second,
		PongTimeout:    20 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendQueueSize:  32,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}, logger)

	chat := services.NewChatService(memory.NewChatRepository(), ws, nil, reg, services.ChatConfig{
		HistoryLimit:      50,
		GraceWindow:       time.Minute,
		DedupWindow:       5 * time.Second,
		DedupRingSize:     64,
		MessagesPerSecond: 100,
		Burst:             100,
	}, logger)
	coord := services.NewSessionCoordinator(reg, ws, chat, logger)
	router := services.NewRouter(reg, coord, chat, ws, logger)
	ws.Attach(router, coord, chat)

	engine := gin.New()
	ws.RegisterRoutes(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &wsFixture{server: srv, ws: ws}
}

func (f *wsFixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *domain.SignalEnvelope {
	t.Helper()
	var env domain.SignalEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	return &env
}

func TestChatConnectReceivesHistoryFirst(t *testing.T) {
	f := newWSFixture(t)

	conn := f.dial(t, "/ws/chat/stream-1")
	env := readEnvelope(t, conn)
	assert.Equal(t, domain.TypeChatHistory, env.Type)

	var history []*domain.ChatMessage
	require.NoError(t, json.Unmarshal(env.Payload, &history))
	assert.Empty(t, history)
}

func TestChatPublishReachesOtherSubscriber(t *testing.T) {
	f := newWSFixture(t)

	sender := f.dial(t, "/ws/chat/stream-1")
	readEnvelope(t, sender) // history

	receiver := f.dial(t, "/ws/chat/stream-1")
	readEnvelope(t, receiver) // history

	payload, err := json.Marshal(domain.ChatPayload{Content: "hello", ClientMsgID: "c1"})
	require.NoError(t, err)
	require.NoError(t, sender.WriteJSON(&domain.SignalEnvelope{
		Type:    domain.TypeChatMessage,
		Payload: payload,
	}))

	// The other subscriber sees new_message, the sender gets the ack.
	got := readEnvelope(t, receiver)
	assert.Equal(t, domain.TypeNewMessage, got.Type)
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(got.Payload, &msg))
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, uint64(1), msg.Seq)

	ack := readEnvelope(t, sender)
	assert.Equal(t, domain.TypeMessageSent, ack.Type)
}

func TestUnknownStreamRejectedBeforeUpgrade(t *testing.T) {
	f := newWSFixture(t)

	resp, err := http.Get(f.server.URL + "/ws/chat/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidStreamIDRejected(t *testing.T) {
	f := newWSFixture(t)

	resp, err := http.Get(f.server.URL + "/ws/chat/bad%20id")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestViewerJoinedPushedToBroadcaster(t *testing.T) {
	f := newWSFixture(t)

	broadcaster := f.dial(t, "/ws/broadcast/stream-1")
	_ = f.dial(t, "/ws/watch/stream-1")

	env := readEnvelope(t, broadcaster)
	assert.Equal(t, domain.TypeViewerJoined, env.Type)
	assert.NotEmpty(t, env.Sender)
}

func TestBroadcasterLeftPushedToViewer(t *testing.T) {
	f := newWSFixture(t)

	broadcaster := f.dial(t, "/ws/broadcast/stream-1")
	viewer := f.dial(t, "/ws/watch/stream-1")
	readEnvelope(t, broadcaster) // viewer-joined

	broadcaster.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	broadcaster.Close()

	env := readEnvelope(t, viewer)
	assert.Equal(t, domain.TypeBroadcasterLeft, env.Type)
}

func TestSecondBroadcasterGetsErrorEnvelope(t *testing.T) {
	f := newWSFixture(t)

	// Guests get distinct ids, so the second broadcast attempt conflicts.
	first := f.dial(t, "/ws/broadcast/stream-1")
	defer first.Close()

	second := f.dial(t, "/ws/broadcast/stream-1")
	env := readEnvelope(t, second)
	require.Equal(t, domain.TypeError, env.Type)

	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "SESSION_CONFLICT", payload.Code)

	// The server closes the rejected socket.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	assert.Error(t, err)
}

func ownerToken(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":      "owner",
		"username": "owner",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestBroadcastRequiresStreamOwner(t *testing.T) {
	f := newWSFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/broadcast/stream-owned"

	// A guest is rejected before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The owner's token passes.
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+ownerToken(t), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestOwnedStreamStillOpenToViewersAndChat(t *testing.T) {
	f := newWSFixture(t)

	viewer := f.dial(t, "/ws/watch/stream-owned")
	defer viewer.Close()

	chat := f.dial(t, "/ws/chat/stream-owned")
	env := readEnvelope(t, chat)
	assert.Equal(t, domain.TypeChatHistory, env.Type)
}

func TestMalformedFrameGetsErrorEnvelope(t *testing.T) {
	f := newWSFixture(t)

	conn := f.dial(t, "/ws/chat/stream-1")
	readEnvelope(t, conn) // history

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.TypeError, env.Type)
}

func TestLeaveStreamClosesConnection(t *testing.T) {
	f := newWSFixture(t)

	conn := f.dial(t, "/ws/chat/stream-1")
	readEnvelope(t, conn) // history

	require.NoError(t, conn.WriteJSON(&domain.SignalEnvelope{Type: domain.TypeLeaveStream}))

	require.Eventually(t, func() bool {
		return f.ws.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
