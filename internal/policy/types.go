package policy

import (
	"context"

	"github.com/goodtune/klimit/internal/category"
)

// Source names the layer that produced a verdict.
type Source string

const (
	SourceEmergencyOverride Source = "emergency_override"
	SourceSafety            Source = "safety"
	SourceRuleBased         Source = "rule_based"
	SourceLearning          Source = "learning"
	SourceMLEnsemble        Source = "ml_ensemble"
	SourceFallback          Source = "fallback"
)

// Input is the snapshot a decision is made on.
type Input struct {
	Category       category.Category
	DailyMinutes   float64 // today's minutes for Category alone
	SessionMinutes float64
	Hour           int
	UnlockCount    int

	// Usage holds today's minutes for every category. When set, pooled
	// categories are evaluated against the sum of their pool.
	Usage map[category.Category]float64

	pooled   float64
	resolved bool
}

// limitMinutes is the daily usage compared against limits: the pool total
// once resolved by the engine, otherwise the category's own minutes.
func (in Input) limitMinutes() float64 {
	if in.resolved {
		return in.pooled
	}
	return in.DailyMinutes
}

// FeedbackRequest asks the user whether current usage feels like too much.
type FeedbackRequest struct {
	Category     category.Category `json:"category"`
	Milestone    float64           `json:"milestone_minutes"`
	DailyMinutes float64           `json:"daily_minutes"`
}

// Verdict is the outcome of a decision.
type Verdict struct {
	ShouldLock bool               `json:"should_lock"`
	Source     Source             `json:"source"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason"`
	LimitType  category.LimitType `json:"limit_type"` // meaningful only when ShouldLock
	Feedback   *FeedbackRequest   `json:"feedback,omitempty"`
}

// Layer is one stage of the decision pipeline. ok reports whether the layer
// produced a terminal verdict; when it is false the next layer runs.
type Layer interface {
	Name() Source
	TryDecide(ctx context.Context, in Input) (v Verdict, ok bool, err error)
}

// Limits are the ceilings of one category.
type Limits struct {
	DailyMinutes    float64 `json:"daily_minutes"`
	SessionMinutes  float64 `json:"session_minutes"`
	UnlockLimit     int     `json:"unlock_limit"` // 0 = unlimited
	MinDailyMinutes float64 `json:"min_daily_minutes"`
	MaxDailyMinutes float64 `json:"max_daily_minutes"`
}

// PeakWindow tightens limits during the evening. Hours are local, the window
// is [StartHour, EndHour) and may wrap past midnight.
type PeakWindow struct {
	StartHour  int     `json:"start_hour"`
	EndHour    int     `json:"end_hour"`
	Multiplier float64 `json:"multiplier"`
}

// DefaultPeakWindow is 19:00-22:00 at 80% of the normal limits.
var DefaultPeakWindow = PeakWindow{StartHour: 19, EndHour: 22, Multiplier: 0.8}

// Contains reports whether hour falls inside the window.
func (p PeakWindow) Contains(hour int) bool {
	if p.StartHour == p.EndHour {
		return false
	}
	if p.StartHour < p.EndHour {
		return hour >= p.StartHour && hour < p.EndHour
	}
	return hour >= p.StartHour || hour < p.EndHour
}

// MultiplierAt returns the limit multiplier in effect at hour.
func (p PeakWindow) MultiplierAt(hour int) float64 {
	if p.Multiplier > 0 && p.Contains(hour) {
		return p.Multiplier
	}
	return 1
}

// Facts is everything the rule-based threshold function looks at.
type Facts struct {
	Category       category.Category `json:"category"`
	DailyMinutes   float64           `json:"daily_minutes"` // pooled
	SessionMinutes float64           `json:"session_minutes"`
	UnlockCount    int               `json:"unlock_count"`
	Hour           int               `json:"hour"`
	Limits         Limits            `json:"limits"`
	Peak           PeakWindow        `json:"peak"`
}

// RuleResult is the output of the rule-based threshold function.
type RuleResult struct {
	Lock      bool
	LimitType category.LimitType
	Reason    string
}

// RuleEvaluator is the deterministic rule-based threshold function.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, f Facts) (RuleResult, error)
}

// OverrideChecker reports whether an emergency override is active.
type OverrideChecker interface {
	OverrideActive(ctx context.Context) (bool, error)
}
