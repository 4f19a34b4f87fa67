package storage

import (
	"encoding/json"
	"time"

	"github.com/goodtune/klimit/internal/category"
)

// UsageLedger is the per-day usage of one category.
type UsageLedger struct {
	AccumulatedSeconds    uint64 `json:"accumulated_seconds"`
	LongestSessionSeconds uint64 `json:"longest_session_seconds"`
	UnlockCount           uint32 `json:"unlock_count"`
}

// AppUsage is the per-day usage of a single app.
type AppUsage struct {
	Category category.Category `json:"category"`
	Seconds  uint64            `json:"seconds"`
	Unlocks  uint32            `json:"unlocks"`
}

// DayLedger holds every ledger for one local date.
type DayLedger struct {
	Date       string                             `json:"date"`
	Categories map[category.Category]*UsageLedger `json:"categories"`
	Apps       map[category.AppID]*AppUsage       `json:"apps"`
	UpdatedAt  time.Time                          `json:"updated_at"`
}

// NewDayLedger returns an empty ledger for date.
func NewDayLedger(date string) *DayLedger {
	return &DayLedger{
		Date:       date,
		Categories: make(map[category.Category]*UsageLedger),
		Apps:       make(map[category.AppID]*AppUsage),
	}
}

// Category returns the ledger for c, creating it if needed.
func (d *DayLedger) Category(c category.Category) *UsageLedger {
	if d.Categories == nil {
		d.Categories = make(map[category.Category]*UsageLedger)
	}
	l, ok := d.Categories[c]
	if !ok {
		l = &UsageLedger{}
		d.Categories[c] = l
	}
	return l
}

// App returns the usage for app, creating it if needed.
func (d *DayLedger) App(app category.AppID, c category.Category) *AppUsage {
	if d.Apps == nil {
		d.Apps = make(map[category.AppID]*AppUsage)
	}
	u, ok := d.Apps[app]
	if !ok {
		u = &AppUsage{Category: c}
		d.Apps[app] = u
	}
	return u
}

// Clone returns a deep copy.
func (d *DayLedger) Clone() DayLedger {
	out := DayLedger{
		Date:       d.Date,
		Categories: make(map[category.Category]*UsageLedger, len(d.Categories)),
		Apps:       make(map[category.AppID]*AppUsage, len(d.Apps)),
		UpdatedAt:  d.UpdatedAt,
	}
	for c, l := range d.Categories {
		copied := *l
		out.Categories[c] = &copied
	}
	for a, u := range d.Apps {
		copied := *u
		out.Apps[a] = &copied
	}
	return out
}

// Feedback sources.
const (
	SourceProactive = "proactive"
	SourcePassive   = "passive"
)

// TrainingSample is one labeled feedback row.
type TrainingSample struct {
	ID             string            `json:"id"`
	Category       category.Category `json:"category"`
	DailyMinutes   float64           `json:"daily_minutes"`
	SessionMinutes float64           `json:"session_minutes"`
	HourOfDay      int               `json:"hour_of_day"`
	Label          bool              `json:"label"`
	Helpful        bool              `json:"helpful"`
	Source         string            `json:"source"`
	CreatedAt      time.Time         `json:"created_at"`
}

// SerializedModel is the persisted form of a trained model.
type SerializedModel struct {
	Version      int             `json:"version"`
	TrainedAt    time.Time       `json:"trained_at"`
	TrainingRows int             `json:"training_rows"`
	Accuracy     float64         `json:"accuracy"`
	Payload      json.RawMessage `json:"payload"`
}

// FeedbackStats tracks feedback quality and retraining bookkeeping.
type FeedbackStats struct {
	Total                 int       `json:"total"`
	Helpful               int       `json:"helpful"`
	LastMilestone         int       `json:"last_milestone"`
	LastTrainedAt         time.Time `json:"last_trained_at"`
	SamplesAtLastTraining int       `json:"samples_at_last_training"`
	LastAccuracy          float64   `json:"last_accuracy"`
}

// HelpfulRate returns the fraction of feedback marked helpful.
func (s FeedbackStats) HelpfulRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Helpful) / float64(s.Total)
}

// ThresholdState is the tuned daily limit of one category.
type ThresholdState struct {
	Category          category.Category `json:"category"`
	DailyLimitMinutes float64           `json:"daily_limit_minutes"`
	LastAdjustedAt    time.Time         `json:"last_adjusted_at"`
}
