package monitor

import (
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/ml"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/violation"
)

// Status is the snapshot served on /status.
type Status struct {
	Time           time.Time                     `json:"time"`
	Foreground     category.AppID                `json:"foreground,omitempty"`
	Category       *category.Category            `json:"category,omitempty"`
	DailyMinutes   map[category.Category]float64 `json:"daily_minutes"`
	SessionMinutes float64                       `json:"session_minutes"`
	Cooldown       violation.CooldownState       `json:"cooldown"`
	Mode           policy.Mode                   `json:"mode"`
	Verdict        *policy.Verdict               `json:"verdict,omitempty"`
	ModelReady     bool                          `json:"model_ready"`
	Weights        *ml.Weights                   `json:"weights,omitempty"`
}
