// Agent Chat Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/agentchat/internal/agent"
	"github.com/ashureev/agentchat/internal/api"
	"github.com/ashureev/agentchat/internal/catalog"
	"github.com/ashureev/agentchat/internal/chat"
	"github.com/ashureev/agentchat/internal/config"
	"github.com/ashureev/agentchat/internal/health"
	"github.com/ashureev/agentchat/internal/identity"
	"github.com/ashureev/agentchat/internal/middleware"
	"github.com/ashureev/agentchat/internal/store"
	"github.com/ashureev/agentchat/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "agent_api", cfg.Agent.BaseURL)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	agents, err := catalog.Load(cfg.AgentsFile)
	if err != nil {
		slog.Error("Failed to load agent catalogue", "error", err, "path", cfg.AgentsFile)
		os.Exit(1)
	}
	slog.Info("Agent catalogue loaded", "agents", len(agents), "default", agents[0].ID)

	backend, err := agent.NewClient(agent.ClientConfig{
		BaseURL:        cfg.Agent.BaseURL,
		StreamPath:     cfg.Agent.StreamPath,
		RequestTimeout: cfg.Agent.RequestTimeout,
		StreamTimeout:  cfg.Agent.StreamTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize agent client", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// One generator for the whole process keeps identity timestamps unique
	// across client sessions.
	generator := identity.NewGenerator(nil)
	params := agent.GenerationParams{
		MaxSteps:    cfg.Agent.MaxSteps,
		Temperature: cfg.Agent.Temperature,
	}
	registry := api.NewRegistry(func(deviceID, sessionID string) (*chat.Controller, error) {
		return chat.NewController(chat.Config{
			Agents:           agents,
			Store:            store.NewIdentityStore(repo, deviceID, cfg.IdentityTTL, logger),
			Backend:          backend,
			Generator:        generator,
			Params:           params,
			ErrorPlaceholder: cfg.ErrorPlaceholder,
			DeviceID:         deviceID,
			SessionID:        sessionID,
			Channel:          "chat_http",
			ConversationLog:  conversationLogger,
			Logger:           logger.With("device_id", deviceID),
		})
	}, logger)

	// Initialize handlers.
	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Close()

	baseHandler := api.NewHandler(registry, agents, logger)
	chatHandler := api.NewChatHandler(baseHandler, limiter, cfg.Agent.RequestTimeout)
	streamHandler := api.NewStreamHandler(baseHandler, limiter, cfg.FrontendURL, cfg.IsDevelopment(), cfg.Agent.StreamTimeout)
	healthHandler := api.NewHealthHandler(repo, registry, 0)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(repo, cfg.IdentityTTL, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", streamHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Streamed replies keep the websocket open, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start TTL worker.
	api.StartTTLWorker(ctx, registry, repo, cfg.ClientIdleTTL, cfg.IdentityTTL)

	var grpcHealth *health.Server
	if cfg.GRPCHealthPort != "" {
		grpcHealth = health.NewServer(repo, logger)
		grpcHealth.Watch(ctx, 0)
		errCh, err := grpcHealth.ListenAndServe(net.JoinHostPort("", cfg.GRPCHealthPort))
		if err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
		go func() {
			for err := range errCh {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
