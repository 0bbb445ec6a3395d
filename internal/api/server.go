package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/musebatch/internal/auth"
	"github.com/mattjoyce/musebatch/internal/events"
	"github.com/mattjoyce/musebatch/internal/history"
	"github.com/mattjoyce/musebatch/internal/log"
	"github.com/mattjoyce/musebatch/internal/queue"
)

// QueueService is the part of queue.Store the API exposes.
type QueueService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Status(ctx context.Context) (queue.Summary, error)
	Get(ctx context.Context, id string) (*queue.Batch, error)
	Remove(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context, filter *queue.Status) (int, error)
}

// RunHistory reads the run journal. Optional.
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]history.BatchRun, error)
	CommandStats(ctx context.Context) ([]history.CommandStat, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	queue     QueueService
	history   RunHistory
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hub and runs may be nil.
func New(config Config, q QueueService, runs RunHistory, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = log.WithComponent("api")
	}
	return &Server{
		config:    config,
		queue:     q,
		history:   runs,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeQueueRead)).Get("/queue", s.handleQueueStatus)
		r.With(s.requireScopes(auth.ScopeQueueWrite)).Post("/queue/clear", s.handleClear)
		r.With(s.requireScopes(auth.ScopeQueueRead)).Get("/batches/{id}", s.handleGetBatch)
		r.With(s.requireScopes(auth.ScopeQueueWrite)).Post("/batches", s.handleEnqueue)
		r.With(s.requireScopes(auth.ScopeQueueWrite)).Delete("/batches/{id}", s.handleRemove)
		r.With(s.requireScopes(auth.ScopeQueueRead)).Get("/history", s.handleHistory)
		r.With(s.requireScopes(auth.ScopeQueueRead)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
