package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/feedback"
	"github.com/goodtune/klimit/internal/ml"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "Status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TooMuch == nil {
		writeError(w, http.StatusBadRequest, "too_much is required")
		return
	}
	c, err := category.Parse(req.Category)
	if err != nil || !c.IsMonitored() {
		writeError(w, http.StatusBadRequest, "Unknown category")
		return
	}

	snap, ok := s.deps.Snapshots.TakeSnapshot(c)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "No usage observed yet")
		return
	}
	if err := s.deps.Feedback.RecordProactive(r.Context(), snap, *req.TooMuch); err != nil {
		s.logger.Error().Err(err).Str("category", c.String()).Msg("Failed to record feedback")
		writeError(w, http.StatusInternalServerError, "Failed to record feedback")
		return
	}

	subject, _ := SubjectFromContext(r.Context())
	s.logger.Info().
		Str("category", c.String()).
		Bool("too_much", *req.TooMuch).
		Str("client", subject).
		Msg("Proactive feedback received")

	writeJSON(w, http.StatusCreated, FeedbackResponse{Snapshot: snap, TooMuch: *req.TooMuch})
}

func (s *Server) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Feedback.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":        stats,
		"helpful_rate": stats.HelpfulRate(),
	})
}

func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	active, _ := s.deps.Override.OverrideActive(r.Context())
	writeJSON(w, http.StatusOK, OverrideResponse{Active: active})
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.deps.Override.Set(req.Active)

	subject, _ := SubjectFromContext(r.Context())
	s.logger.Warn().Bool("active", req.Active).Str("client", subject).Msg("Emergency override set")
	writeJSON(w, http.StatusOK, OverrideResponse{Active: req.Active})
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	// The retrain outlives a dropped connection so the model still installs.
	result, err := s.deps.Feedback.Retrain(context.WithoutCancel(r.Context()), "requested")
	switch {
	case errors.Is(err, feedback.ErrRetrainInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ml.ErrInsufficientQualityFeedback):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("Requested retrain failed")
		writeError(w, http.StatusInternalServerError, "Retrain failed")
		return
	}

	m := result.Model
	writeJSON(w, http.StatusOK, RetrainResponse{
		Kept:         result.Kept,
		Dropped:      result.Dropped,
		TrainingRows: m.TrainingRows,
		Depth:        m.Tree.Depth(),
		Accuracy:     m.Accuracy,
		TrainedAt:    m.TrainedAt,
	})
}
