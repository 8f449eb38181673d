// Package main is the entry point for the support gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/songforge/support-gateway/internal/auth"
	"github.com/songforge/support-gateway/internal/autoreply"
	"github.com/songforge/support-gateway/internal/config"
	"github.com/songforge/support-gateway/internal/events"
	"github.com/songforge/support-gateway/internal/handler"
	"github.com/songforge/support-gateway/internal/llm"
	"github.com/songforge/support-gateway/internal/middleware"
	"github.com/songforge/support-gateway/internal/store"
	"github.com/songforge/support-gateway/internal/ws"
	"github.com/songforge/support-gateway/pkg/logger"
	"github.com/songforge/support-gateway/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting support gateway")

	ctx := context.Background()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(ctx, "support-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer shutdown(ctx)
		}
	}

	// Connect to Postgres
	st, err := store.Open(cfg.DatabaseURL, cfg.AutoMigrate)
	if err != nil {
		log.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}

	// Connect to NATS when enabled; the gateway runs fine without it.
	var natsClient *events.Client
	if cfg.NATSEnabled {
		natsClient, err = events.Connect(ctx, events.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()
	}

	publisher := events.NewPublisher(natsClient, log)
	if natsClient != nil {
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure stream", zap.Error(err))
			os.Exit(1)
		}
	}

	// Auto-reply responder, active only with a configured provider and
	// agent identity to author the replies as.
	var responder *autoreply.Responder
	if cfg.AutoReplyEnabled && cfg.AutoReplyAgentID > 0 {
		apiKey := cfg.AnthropicAPIKey
		if cfg.DefaultLLM == string(llm.ProviderOpenAI) {
			apiKey = cfg.OpenAIAPIKey
		}
		llmClient, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), apiKey)
		if err != nil {
			log.Warn("failed to create LLM client, auto-reply disabled", zap.Error(err))
		} else {
			responder = autoreply.New(llmClient, st, cfg.AutoReplyAgentID, cfg.AutoReplyCooldown, log)
			log.Info("auto-reply enabled", zap.String("provider", cfg.DefaultLLM))
		}
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)

	// The hub owns the realtime side: registry, routing, presence, sweep.
	hub := ws.NewHub(st, verifier, publisher, responder, log, ws.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		SweepInterval:   cfg.SweepInterval,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go hub.RunSweep(sweepCtx)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(st, natsClient)
	ticketHandler := handler.NewTicketHandler(st, hub, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint; authentication happens on the first frame.
	r.Get("/ws", hub.HandleWS)

	// REST surface with authentication
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(verifier))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/presence", ticketHandler.Presence)

		r.Route("/tickets", func(r chi.Router) {
			r.Get("/", ticketHandler.List)

			r.Route("/{ticketID}", func(r chi.Router) {
				r.Get("/", ticketHandler.Get)
				r.Get("/messages", ticketHandler.Messages)
				r.Post("/messages", ticketHandler.PostMessage)
				r.Post("/read", ticketHandler.MarkRead)

				// Agent-only operations
				r.With(middleware.RequireAgent).Put("/status", ticketHandler.UpdateStatus)
				r.With(middleware.RequireAgent).Put("/assign", ticketHandler.Assign)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	stopSweep()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
