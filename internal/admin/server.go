// Package admin serves the control API used by the lock screen and other
// trusted clients: proactive feedback, the emergency override and manual
// retraining.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/feedback"
	"github.com/goodtune/klimit/internal/ml"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the control API configuration.
type Config struct {
	ListenAddr      string
	RateLimit       int
	RateLimitWindow time.Duration
}

// SnapshotSource supplies the usage context an answer refers to.
type SnapshotSource interface {
	TakeSnapshot(c category.Category) (feedback.Snapshot, bool)
}

// FeedbackSink stores answers and retrains the model.
type FeedbackSink interface {
	RecordProactive(ctx context.Context, snap feedback.Snapshot, userSaysOveruse bool) error
	Retrain(ctx context.Context, reason string) (*ml.TrainResult, error)
	Stats() storage.FeedbackStats
}

// Deps are the components the API controls.
type Deps struct {
	Status    func() any
	Snapshots SnapshotSource
	Feedback  FeedbackSink
	Override  *policy.ManualOverride
}

// Server is the control API HTTP server.
type Server struct {
	config      Config
	deps        Deps
	auth        *Authenticator
	rateLimiter *RateLimiter
	router      *mux.Router
	server      *http.Server
	listener    net.Listener
	logger      zerolog.Logger
}

// NewServer creates a control API server.
func NewServer(cfg Config, deps Deps, auth *Authenticator, logger zerolog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	s := &Server{
		config:      cfg,
		deps:        deps,
		auth:        auth,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "admin").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // retrain runs inline
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(s.auth))

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/feedback", s.handleFeedback).Methods("POST")
	api.HandleFunc("/feedback/stats", s.handleFeedbackStats).Methods("GET")
	api.HandleFunc("/override", s.handleGetOverride).Methods("GET")
	api.HandleFunc("/override", s.handleSetOverride).Methods("PUT")
	api.HandleFunc("/model/retrain", s.handleRetrain).Methods("POST")
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting control API")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated admin listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Control API error")
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping control API")
	return s.server.Shutdown(ctx)
}
