package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/middleware"
	"streamcast/internal/infrastructure/monitoring"
	apperrors "streamcast/pkg/errors"
	"streamcast/pkg/tracing"
	"streamcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LifecycleHandler exposes the REST surface: stream records, the
// authoritative start/stop hooks, chat history and health.
type LifecycleHandler struct {
	streams     ports.StreamRepository
	chatRepo    ports.ChatRepository
	coordinator ports.SessionCoordinator
	registry    ports.ConnectionRegistry
	health      *monitoring.HealthChecker
	logger      *zap.SugaredLogger

	historyLimit int
}

func NewLifecycleHandler(
	streams ports.StreamRepository,
	chatRepo ports.ChatRepository,
	coordinator ports.SessionCoordinator,
	registry ports.ConnectionRegistry,
	health *monitoring.HealthChecker,
	historyLimit int,
	logger *zap.SugaredLogger,
) *LifecycleHandler {
	return &LifecycleHandler{
		streams:      streams,
		chatRepo:     chatRepo,
		coordinator:  coordinator,
		registry:     registry,
		health:       health,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// SetupRoutes mounts the REST endpoints. Mutating endpoints require
// auth; reads are open.
func (h *LifecycleHandler) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.POST("/streams", auth, h.CreateStream)
		api.GET("/streams", h.ListLive)
		api.GET("/streams/:id", h.GetStream)
		api.GET("/streams/:id/session", h.GetSession)
		api.GET("/streams/:id/chat", h.GetChatHistory)
		api.POST("/streams/:id/start", auth, h.StartStream)
		api.POST("/streams/:id/stop", auth, h.StopStream)
	}
	router.GET("/health", h.Health)
}

func (h *LifecycleHandler) CreateStream(c *gin.Context) {
	var req struct {
		ID    string `json:"id" binding:"required"`
		Title string `json:"title" binding:"required,min=1,max=200"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateStreamID(req.ID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ownerID := participantFromContext(c)
	stream := &domain.Stream{
		ID:        domain.StreamID(req.ID),
		OwnerID:   ownerID,
		Title:     req.Title,
		CreatedAt: time.Now(),
	}
	if err := h.streams.Create(c.Request.Context(), stream); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"stream": stream})
}

func (h *LifecycleHandler) ListLive(c *gin.Context) {
	streams, err := h.streams.ListLive(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (h *LifecycleHandler) GetStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	stream, err := h.streams.GetByID(c.Request.Context(), streamID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream})
}

// GetSession reports the coordinator's view: state, viewer count and
// start time.
func (h *LifecycleHandler) GetSession(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	metrics, err := h.coordinator.Metrics(c.Request.Context(), streamID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			c.JSON(http.StatusOK, gin.H{"session": domain.SessionMetrics{
				StreamID: streamID,
				State:    domain.SessionIdle,
			}})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": metrics})
}

func (h *LifecycleHandler) GetChatHistory(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	if _, err := h.streams.GetByID(c.Request.Context(), streamID); err != nil {
		h.fail(c, err)
		return
	}

	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	messages, err := h.chatRepo.Recent(c.Request.Context(), streamID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// StartStream marks the stream live and primes the session so early
// viewers park instead of failing.
func (h *LifecycleHandler) StartStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	ctx, span := tracing.TraceLifecycleHook(c.Request.Context(), "start", string(streamID))
	defer span.End()

	stream, err := h.streams.GetByID(ctx, streamID)
	if err != nil {
		h.fail(c, err)
		return
	}
	requester := participantFromContext(c)
	if stream.OwnerID != "" && stream.OwnerID != requester {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the owner can start the stream"})
		return
	}

	if err := h.streams.SetLive(ctx, streamID, true); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.coordinator.StreamStarted(ctx, streamID, stream.OwnerID); err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Infow("stream started", "stream_id", streamID, "requester", requester)
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// StopStream is the forced teardown path. It drains the session whether
// or not the broadcaster's socket ever closed.
func (h *LifecycleHandler) StopStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	ctx, span := tracing.TraceLifecycleHook(c.Request.Context(), "stop", string(streamID))
	defer span.End()

	stream, err := h.streams.GetByID(ctx, streamID)
	if err != nil {
		h.fail(c, err)
		return
	}
	requester := participantFromContext(c)
	if stream.OwnerID != "" && stream.OwnerID != requester {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the owner can stop the stream"})
		return
	}

	if err := h.streams.SetLive(ctx, streamID, false); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.coordinator.StreamStopped(ctx, streamID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		h.fail(c, err)
		return
	}

	h.logger.Infow("stream stopped", "stream_id", streamID, "requester", requester)
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *LifecycleHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status.Status,
		"timestamp":   status.Timestamp,
		"checks":      status.Checks,
		"connections": h.registry.Count(),
	})
}

func (h *LifecycleHandler) fail(c *gin.Context, err error) {
	appErr := apperrors.FromDomain(err)
	c.JSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

func participantFromContext(c *gin.Context) domain.ParticipantID {
	if v, ok := c.Get(middleware.ContextParticipantID); ok {
		if id, ok := v.(domain.ParticipantID); ok {
			return id
		}
	}
	return ""
}
