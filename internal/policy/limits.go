package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goodtune/klimit/internal/category"
)

// LimitTable holds the current per-category limits. Daily limits change at
// runtime when thresholds are tuned.
type LimitTable struct {
	mu     sync.RWMutex
	limits map[category.Category]Limits
	pools  category.Pools
}

// NewLimitTable creates a table from initial limits and pool assignments.
func NewLimitTable(limits map[category.Category]Limits, pools category.Pools) *LimitTable {
	t := &LimitTable{
		limits: make(map[category.Category]Limits, len(limits)),
		pools:  pools,
	}
	for c, l := range limits {
		t.limits[c] = l
	}
	return t
}

// LimitsFor returns the limits of c. ok is false for unlimited categories.
func (t *LimitTable) LimitsFor(c category.Category) (Limits, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.limits[c]
	return l, ok
}

// SetDailyLimit replaces the daily limit of c, clamped to its bounds.
func (t *LimitTable) SetDailyLimit(c category.Category, minutes float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limits[c]
	if !ok {
		return 0, fmt.Errorf("category %s has no limits", c)
	}
	if l.MinDailyMinutes > 0 {
		minutes = max(minutes, l.MinDailyMinutes)
	}
	if l.MaxDailyMinutes > 0 {
		minutes = min(minutes, l.MaxDailyMinutes)
	}
	l.DailyMinutes = minutes
	t.limits[c] = l
	return minutes, nil
}

// Snapshot returns a copy of all limits.
func (t *LimitTable) Snapshot() map[category.Category]Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[category.Category]Limits, len(t.limits))
	for c, l := range t.limits {
		out[c] = l
	}
	return out
}

// Pools returns the pool assignments.
func (t *LimitTable) Pools() category.Pools {
	return t.pools
}

// NativeRules is the built-in threshold function: a category locks once its
// (pooled) daily usage, its session or its unlock count reaches the limit,
// with daily and session limits scaled down inside the peak window.
type NativeRules struct{}

// Evaluate implements RuleEvaluator.
func (NativeRules) Evaluate(ctx context.Context, f Facts) (RuleResult, error) {
	if err := ctx.Err(); err != nil {
		return RuleResult{}, err
	}

	mult := f.Peak.MultiplierAt(f.Hour)
	if daily := f.Limits.DailyMinutes * mult; f.Limits.DailyMinutes > 0 && f.DailyMinutes >= daily {
		return RuleResult{
			Lock:      true,
			LimitType: category.LimitDaily,
			Reason:    fmt.Sprintf("daily limit of %.0f minutes reached", daily),
		}, nil
	}
	if session := f.Limits.SessionMinutes * mult; f.Limits.SessionMinutes > 0 && f.SessionMinutes >= session {
		return RuleResult{
			Lock:      true,
			LimitType: category.LimitSession,
			Reason:    fmt.Sprintf("session limit of %.0f minutes reached", session),
		}, nil
	}
	if f.Limits.UnlockLimit > 0 && f.UnlockCount >= f.Limits.UnlockLimit {
		return RuleResult{
			Lock:      true,
			LimitType: category.LimitUnlock,
			Reason:    fmt.Sprintf("unlock limit of %d reached", f.Limits.UnlockLimit),
		}, nil
	}
	return RuleResult{Reason: "within limits"}, nil
}

// ManualOverride is an OverrideChecker toggled in-process.
type ManualOverride struct {
	active atomic.Bool
}

// Set enables or disables the override.
func (o *ManualOverride) Set(active bool) {
	o.active.Store(active)
}

// OverrideActive implements OverrideChecker.
func (o *ManualOverride) OverrideActive(context.Context) (bool, error) {
	return o.active.Load(), nil
}
