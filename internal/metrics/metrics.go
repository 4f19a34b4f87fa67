package metrics

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Decision metrics
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klimit_decisions_total",
			Help: "Total lock decisions by deciding layer",
		},
		[]string{"source", "lock"},
	)

	DecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "klimit_decision_duration_seconds",
			Help:    "Time taken to produce a lock decision",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .15},
		},
		[]string{"source"},
	)

	// Monitor metrics
	TicksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "klimit_ticks_skipped_total",
			Help: "Monitor ticks skipped because the previous tick was still running",
		},
	)

	TickErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "klimit_tick_errors_total",
			Help: "Monitor ticks that failed or timed out",
		},
	)

	// Usage metrics
	EventsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klimit_events_discarded_total",
			Help: "Usage events discarded during reconciliation",
		},
		[]string{"reason"},
	)

	UsageSecondsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klimit_usage_seconds_consumed_total",
			Help: "Total usage seconds credited per category",
		},
		[]string{"category"},
	)

	ViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klimit_violations_total",
			Help: "Total limit violations recorded",
		},
		[]string{"category", "limit_type"},
	)

	// Feedback and model metrics
	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klimit_feedback_total",
			Help: "Feedback samples recorded",
		},
		[]string{"source", "helpful"},
	)

	RetrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klimit_retrains_total",
			Help: "Model retrain attempts by outcome",
		},
		[]string{"result"},
	)

	RetrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "klimit_retrain_duration_seconds",
			Help:    "Model retrain duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ModelAccuracy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "klimit_model_accuracy",
			Help: "Hold-out accuracy of the active model",
		},
	)

	// Threshold metrics
	ThresholdAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klimit_threshold_adjustments_total",
			Help: "Adaptive daily limit adjustments",
		},
		[]string{"category", "direction"},
	)

	DailyLimitMinutes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "klimit_daily_limit_minutes",
			Help: "Effective daily limit per category",
		},
		[]string{"category"},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klimit_notifications_total",
			Help: "Lock notifications delivered",
		},
		[]string{"notifier", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		DecisionsTotal,
		DecisionDuration,
		TicksSkipped,
		TickErrors,
		EventsDiscarded,
		UsageSecondsConsumed,
		ViolationsTotal,
		FeedbackTotal,
		RetrainsTotal,
		RetrainDuration,
		ModelAccuracy,
		ThresholdAdjustments,
		DailyLimitMinutes,
		NotificationsTotal,
	)
}

// StatusFunc returns a JSON-serialisable snapshot of daemon state.
type StatusFunc func() any

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	status   StatusFunc
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "metrics").Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// SetStatusFunc installs the snapshot served on /status
func (s *Server) SetStatusFunc(fn StatusFunc) {
	s.status = fn
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode status")
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
