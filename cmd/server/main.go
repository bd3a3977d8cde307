// Nudgeable - Prompt Engineering Practice Server
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

	"github.com/nudgeable/promptlab/internal/api"
	"github.com/nudgeable/promptlab/internal/auth"
	"github.com/nudgeable/promptlab/internal/config"
	"github.com/nudgeable/promptlab/internal/judge"
	"github.com/nudgeable/promptlab/internal/llm"
	"github.com/nudgeable/promptlab/internal/middleware"
	"github.com/nudgeable/promptlab/internal/progress"
	"github.com/nudgeable/promptlab/internal/rubric"
	"github.com/nudgeable/promptlab/internal/session"
	"github.com/nudgeable/promptlab/internal/store"
	"github.com/nudgeable/promptlab/internal/validation"
	"github.com/nudgeable/promptlab/internal/watch"
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

	users, err := auth.ParseUsers(cfg.Users)
	if err != nil {
		slog.Error("Failed to parse USERS", "error", err)
		os.Exit(1)
	}
	slog.Info("Configured users loaded", "count", len(users))

	// Initialize services.
	var clientOpts []llm.Option
	clientOpts = append(clientOpts, llm.WithAPIKey(cfg.OpenAIAPIKey))
	if cfg.OpenAIBaseURL != "" {
		clientOpts = append(clientOpts, llm.WithBaseURL(cfg.OpenAIBaseURL))
	}
	client := llm.NewOpenAIClient(clientOpts...)

	authSvc := auth.NewService(repo, users, cfg.IsDevelopment())
	judgeSvc := judge.New(client, rubric.V1(), cfg.JudgeModel)
	sessions := session.NewService(repo, validation.New(), client, judgeSvc, cfg.ChatModel)
	progressSvc := progress.NewService(repo)

	// Initialize handlers.
	handler := api.NewHandler(repo, authSvc, sessions, progressSvc)
	watchHandler := watch.NewHandler(repo, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	handler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.With(authSvc.Middleware).Get("/ws/sessions/{id}", watchHandler.ServeHTTP)

	// Create server. Evaluate calls run the judge synchronously and can take
	// 10-15s on a slow model, so the write timeout has headroom.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived watch sockets share this server
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
