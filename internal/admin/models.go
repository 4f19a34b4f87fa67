package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/goodtune/klimit/internal/feedback"
)

// FeedbackRequest answers "is this too much?" for a category.
type FeedbackRequest struct {
	Category string `json:"category"`
	TooMuch  *bool  `json:"too_much"`
}

// FeedbackResponse echoes the recorded sample context.
type FeedbackResponse struct {
	Snapshot feedback.Snapshot `json:"snapshot"`
	TooMuch  bool              `json:"too_much"`
}

// OverrideRequest turns the emergency override on or off.
type OverrideRequest struct {
	Active bool `json:"active"`
}

// OverrideResponse reports the override state.
type OverrideResponse struct {
	Active bool `json:"active"`
}

// RetrainResponse describes a finished retrain.
type RetrainResponse struct {
	Kept         int       `json:"kept"`
	Dropped      int       `json:"dropped"`
	TrainingRows int       `json:"training_rows"`
	Depth        int       `json:"depth"`
	Accuracy     float64   `json:"accuracy"`
	TrainedAt    time.Time `json:"trained_at"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
