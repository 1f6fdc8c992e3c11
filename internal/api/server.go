package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"lmnop/internal/clock"
	"lmnop/internal/notify"
	"lmnop/internal/status"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Notifier sends notifications
type Notifier interface {
	Send(ctx context.Context, req notify.Request) (*notify.Notification, error)
}

// AlertService acknowledges alerts and retries failed restores
type AlertService interface {
	Acknowledge(ctx context.Context, alertID string) (bool, error)
	RetryRestore(ctx context.Context) (bool, error)
}

// StatusSource provides the current alert status
type StatusSource interface {
	Snapshot() status.Status
}

// HomeAssistant is the part of the Home Assistant client the API needs
type HomeAssistant interface {
	IsConnected() bool
}

// Server provides the HTTP API of the notifier
type Server struct {
	notifier  Notifier
	alerts    AlertService
	status    StatusSource
	haClient  HomeAssistant
	clock     clock.Clock
	startedAt time.Time
	logger    *zap.Logger
	server    *http.Server
	router    http.Handler
}

// NewServer creates a new API server
func NewServer(notifier Notifier, alerts AlertService, statusSource StatusSource, haClient HomeAssistant, clk clock.Clock, logger *zap.Logger, port int) *Server {
	s := &Server{
		notifier:  notifier,
		alerts:    alerts,
		status:    statusSource,
		haClient:  haClient,
		clock:     clk,
		startedAt: clk.Now(),
		logger:    logger.Named("api"),
	}

	s.router = s.buildRouter()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// buildRouter creates the HTTP router with all routes and middleware
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/notify", s.handleNotify)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleGetAlerts)
			r.Post("/restore", s.handleRestore)
			r.Delete("/{id}", s.handleAcknowledge)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "no such endpoint, see / for the list")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	return r
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
