package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/core/services"
	httphandlers "streamcast/internal/handlers/http"
	"streamcast/internal/infrastructure/distributed"
	"streamcast/internal/infrastructure/middleware"
	"streamcast/internal/infrastructure/monitoring"
	"streamcast/internal/infrastructure/registry"
	"streamcast/internal/infrastructure/repositories"
	signalws "streamcast/internal/infrastructure/signal"
	"streamcast/pkg/config"
	"streamcast/pkg/logger"
	"streamcast/pkg/tracing"
	"streamcast/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// coordinatorWithRelay announces forced stops on the event bus so other
// instances drain their local sessions too.
type coordinatorWithRelay struct {
	ports.SessionCoordinator
	bus *distributed.EventBus
}

func (c *coordinatorWithRelay) StreamStopped(ctx context.Context, streamID domain.StreamID) error {
	err := c.SessionCoordinator.StreamStopped(ctx, streamID)
	if err == nil && c.bus != nil {
		c.bus.PublishStreamEnded(ctx, streamID)
	}
	return err
}

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/streamcast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "streamcast",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Persistence
	repos, err := repositories.New(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repositories", "error", err)
	}
	defer repos.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connection registry and liveness
	connRegistry := registry.NewConnectionRegistry(log)
	liveness := registry.NewLivenessSupervisor(connRegistry, cfg.Liveness.SweepInterval, cfg.Liveness.StaleTimeout, log)
	go liveness.Run(ctx)

	// Cross-instance event bus, only with Redis
	var eventBus *distributed.EventBus
	if repos.RedisClient != nil {
		eventBus = distributed.NewEventBus(repos.RedisClient, utils.GenerateInstanceID(), log)
		defer eventBus.Close()
	}

	// Auth and transport
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AllowGuests, log)
	wsServer := signalws.NewWebSocketServer(connRegistry, authService, repos.Streams, signalws.Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}, log)

	// Core services
	var chatRelay services.ChatRelay
	if eventBus != nil {
		chatRelay = eventBus
	}
	chatService := services.NewChatService(repos.Chat, wsServer, chatRelay, connRegistry, services.ChatConfig{
		HistoryLimit:      cfg.Chat.HistoryLimit,
		GraceWindow:       cfg.Chat.GraceWindow,
		DedupWindow:       cfg.Chat.DedupWindow,
		DedupRingSize:     cfg.Chat.DedupRingSize,
		MessagesPerSecond: cfg.Chat.MessagesPerSecond,
		Burst:             cfg.Chat.Burst,
	}, log)
	coordinator := services.NewSessionCoordinator(connRegistry, wsServer, chatService, log)
	router := services.NewRouter(connRegistry, coordinator, chatService, wsServer, log)
	wsServer.Attach(router, coordinator, chatService)

	// Metrics
	collector := monitoring.NewPrometheusCollector()
	coordinator.SetStateListener(collector.RecordSessionState)
	coordinator.SetViewerListener(func(streamID domain.StreamID, count int) {
		collector.SetStreamViewers(streamID, count)
	})
	router.SetRoutedListener(collector.RecordMessageRouted)
	wsServer.SetDropListener(collector.RecordBackpressureDrop)
	wsServer.SetOpenListener(collector.RecordConnectionOpened)
	wsServer.SetTimingListeners(collector.ObserveHandshakeDuration, collector.ObserveRouteDuration)
	liveness.OnEvict(collector.RecordStaleEvictions)
	connRegistry.OnClosed(func(ev domain.ConnectionClosed) {
		collector.RecordConnectionClosed(ev.Role)
	})

	// Remote chat events from other instances
	if eventBus != nil {
		go func() {
			err := eventBus.Subscribe(ctx, func(event *distributed.Event) error {
				switch event.Type {
				case distributed.EventChatMessage:
					var msg domain.ChatMessage
					if err := json.Unmarshal(event.Payload, &msg); err != nil {
						return err
					}
					chatService.ApplyRemote(&msg)
				case distributed.EventChatDeleted:
					var payload struct {
						MessageID string `json:"message_id"`
					}
					if err := json.Unmarshal(event.Payload, &payload); err != nil {
						return err
					}
					chatService.ApplyRemoteDeletion(event.StreamID, payload.MessageID)
				case distributed.EventStreamEnded:
					coordinator.StreamStopped(ctx, event.StreamID)
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				log.Errorw("event bus subscription failed", "error", err)
			}
		}()
	}

	// Health
	health := monitoring.NewHealthChecker()
	if repos.RedisClient != nil {
		health.AddCheck("redis", cfg.Server.ReadTimeout, func(ctx context.Context) error {
			return repos.RedisClient.Ping(ctx).Err()
		})
	}

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RecoveryMiddleware(log))
	engine.Use(middleware.ErrorHandlerMiddleware(log))
	engine.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		engine.Use(middleware.TracingMiddleware())
	}

	wsServer.RegisterRoutes(engine)

	var lifecycleCoordinator ports.SessionCoordinator = coordinator
	if eventBus != nil {
		lifecycleCoordinator = &coordinatorWithRelay{SessionCoordinator: coordinator, bus: eventBus}
	}
	lifecycleHandler := httphandlers.NewLifecycleHandler(
		repos.Streams,
		repos.Chat,
		lifecycleCoordinator,
		connRegistry,
		health,
		cfg.Chat.HistoryLimit,
		log,
	)
	lifecycleHandler.SetupRoutes(engine, middleware.AuthMiddleware(authService))

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("starting streamcast signaling server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("streamcast signaling server stopped")
}
