// certflow - real-time transcript analysis server for voice certification.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/abalyn/certflow/internal/agent"
	"github.com/abalyn/certflow/internal/api"
	"github.com/abalyn/certflow/internal/config"
	"github.com/abalyn/certflow/internal/ingest"
	"github.com/abalyn/certflow/internal/llm"
	"github.com/abalyn/certflow/internal/middleware"
	"github.com/abalyn/certflow/internal/orchestrator"
	"github.com/abalyn/certflow/internal/session"
	"github.com/abalyn/certflow/internal/store"
	"github.com/abalyn/certflow/internal/stream"
	"github.com/abalyn/certflow/internal/transcript"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	if cfg.Agents.APIKey == "" {
		slog.Warn("LLM_API_KEY not set; provider calls may be rejected")
	}
	llmClient := llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.Agents.ProviderURL,
		APIKey:  cfg.Agents.APIKey,
		Model:   cfg.Agents.Model,
		Timeout: cfg.Agents.Timeout,
	}, logger)
	runner := agent.NewLLMRunner(llmClient)

	// Initialize services.
	hub := stream.NewHub(stream.Config{
		KeepaliveInterval: cfg.Stream.KeepaliveInterval,
		IdleTimeout:       cfg.Stream.IdleTimeout,
		MaxLifetime:       cfg.Stream.MaxLifetime,
		SweepInterval:     cfg.Stream.SweepInterval,
		ReplayQueueSize:   cfg.Stream.ReplayQueueSize,
		RetryDelay:        cfg.Stream.RetryDelay,
	}, logger)

	buffer := transcript.NewBuffer(cfg.Buffer.WordThreshold, cfg.Buffer.MaxChunkAge)

	orc := orchestrator.New(orchestrator.Config{
		AgentTimeout: cfg.Agents.Timeout,
		TurnWindow:   cfg.Agents.TurnWindow,
		RingCapacity: 16,
		Rules: orchestrator.MergeRules{
			BrieflyAt:     cfg.Coverage.BrieflyAt,
			HighWaterMark: cfg.Coverage.HighWaterMark,
		},
	}, orchestrator.NewContextStore(), runner, hub, logger)

	registry := ingest.NewRegistry()
	sessions := session.NewService(repo, orc, buffer, hub, registry)

	// Initialize handlers.
	rateLimiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	apiHandler := api.NewHandler(sessions, buffer, orc, hub, repo, rateLimiter)
	streamHandler := stream.NewHandler(hub, repo)
	wsHandler := ingest.NewWebSocketHandler(repo, buffer, orc, registry, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	apiHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// Create server.
	// SSE connections require long timeouts (no WriteTimeout); the hub's
	// keepalive maintains the connection.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.StartTTLWorker(ctx, sessions, cfg.SessionTTL)
	go hub.RunSweeper(ctx)
	go runStaleFlusher(ctx, buffer, orc, cfg.Buffer.StaleInterval)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// runStaleFlusher periodically emits chunks for sessions whose oldest
// unflushed fragment has exceeded the buffer's max age, bounding worst-case
// latency when a speaker pauses mid-sentence.
func runStaleFlusher(ctx context.Context, buffer *transcript.Buffer, orc *orchestrator.Orchestrator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, chunk := range buffer.FlushStale() {
				if err := orc.OnChunkReady(chunk.SessionID, chunk); err != nil {
					slog.Warn("stale chunk dispatch failed",
						"error", err, "session_id", chunk.SessionID)
				}
			}
		}
	}
}
