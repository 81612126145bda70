// Package api serves the ingestion, job, recovery and conversation
// endpoints over HTTP, plus a websocket stream of run status.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/knowhow-ingest/internal/app"
)

// ErrNoTokenSecret is returned by New when the app has no token issuer.
var ErrNoTokenSecret = errors.New("api requires KNOWHOW_JWT_SECRET")

// Server routes HTTP requests to the application services.
type Server struct {
	app            *app.App
	logger         *slog.Logger
	limiter        *RateLimiter
	upgrader       websocket.Upgrader
	streamInterval time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithStreamInterval sets how often the run stream polls job status.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) { s.streamInterval = d }
}

// New creates a Server for a.
func New(a *app.App, opts ...Option) (*Server, error) {
	if a.Tokens == nil {
		return nil, ErrNoTokenSecret
	}
	s := &Server{
		app:            a,
		logger:         a.Logger,
		limiter:        NewRateLimiter(a.Config.IngestRateLimit, a.Config.IngestBurst),
		streamInterval: 500 * time.Millisecond,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close stops background work.
func (s *Server) Close() {
	s.limiter.Stop()
}

// checkOrigin accepts requests without an Origin header and origins listed
// in CORS_ALLOWED_ORIGINS.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.app.Config.CORSAllowedOrigins, origin)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(LoggingMiddleware(s.logger))

	if origins := s.app.Config.CORSAllowedOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Activity-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// The stream authenticates itself: browsers cannot set headers on
	// websocket upgrades, so it also accepts a run token query parameter.
	r.Get("/v1/runs/{id}/stream", s.streamRun)

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAuth(s.app.Tokens))

		r.With(s.rateLimit).Post("/ingest", s.ingest)
		r.Get("/records/{id}", s.getRecord)

		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.cancelJob)

		r.Post("/workspaces/{id}/recover", s.recover)

		r.Post("/conversations", s.createRun)
		r.Post("/conversations/{id}/runs", s.createRun)
		r.Get("/conversations/{id}", s.getConversation)
		r.Get("/conversations/{id}/run", s.currentRun)
		r.Post("/conversations/{id}/stop", s.stopRun)

		r.Get("/stats", s.stats)
	})

	return r
}
