// Package api provides the HTTP server for PersonaPipe.
//
// It exposes a health probe, the Twilio webhook, read-only profile and history
// endpoints, and a direct chat endpoint that runs the same conversation
// pipeline as the messaging transports.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Constants for the HTTP server
const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// MaxHistoryLimit caps the limit query parameter of the history endpoint.
	MaxHistoryLimit = 200
)

// Conversation runs one chat turn. *flow.Pipeline implements it.
type Conversation interface {
	Handle(ctx context.Context, userID, displayName, text string) (models.Reply, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	profiles      store.ProfileStore
	history       store.HistoryStore
	conv          Conversation
	twilioWebhook http.HandlerFunc
	router        chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithTwilioWebhook mounts h at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(s *Server) { s.twilioWebhook = h }
}

// NewServer creates a Server backed by st and conv.
func NewServer(st store.Store, conv Conversation, opts ...Option) *Server {
	s := &Server{
		profiles: st,
		history:  st,
		conv:     conv,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", s.healthHandler)
	if s.twilioWebhook != nil {
		r.Post("/twilio/webhook", s.twilioWebhook)
	}
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/", s.getUserHandler)
		r.Get("/history", s.getHistoryHandler)
	})
	r.Post("/chat", s.chatHandler)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
