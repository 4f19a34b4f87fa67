package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/ml"
	"github.com/rs/zerolog"
)

// ErrInvalidInput is returned by the safety check for input it cannot trust.
var ErrInvalidInput = errors.New("invalid decision input")

// DefaultMilestones are the daily minutes at which learning mode asks for
// feedback.
var DefaultMilestones = []float64{15, 30, 60, 90, 120}

// escalator is implemented by layers whose failure skips straight to the
// final fallback instead of the next layer.
type escalator interface {
	escalates() bool
}

// OverrideLayer never locks while an emergency override is active.
type OverrideLayer struct {
	checker OverrideChecker
}

func (l *OverrideLayer) Name() Source { return SourceEmergencyOverride }

func (l *OverrideLayer) TryDecide(ctx context.Context, _ Input) (Verdict, bool, error) {
	if l.checker == nil {
		return Verdict{}, false, nil
	}
	active, err := l.checker.OverrideActive(ctx)
	if err != nil {
		return Verdict{}, false, fmt.Errorf("override check failed: %w", err)
	}
	if !active {
		return Verdict{}, false, nil
	}
	return Verdict{
		Source:     SourceEmergencyOverride,
		Confidence: 1,
		Reason:     "emergency override active",
	}, true, nil
}

// SafetyLayer enforces the hard ceilings. It is always on.
type SafetyLayer struct {
	limits ml.SafetyLimits
}

func (l *SafetyLayer) Name() Source { return SourceSafety }

func (l *SafetyLayer) escalates() bool { return true }

func (l *SafetyLayer) TryDecide(ctx context.Context, in Input) (Verdict, bool, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, false, err
	}
	if err := validateInput(in); err != nil {
		return Verdict{}, false, err
	}

	daily := in.limitMinutes()
	switch {
	case daily >= l.limits.DailyMinutes:
		return Verdict{
			ShouldLock: true,
			Source:     SourceSafety,
			Confidence: 1,
			LimitType:  category.LimitDaily,
			Reason:     fmt.Sprintf("safety ceiling of %.0f daily minutes reached", l.limits.DailyMinutes),
		}, true, nil
	case in.SessionMinutes >= l.limits.SessionMinutes:
		return Verdict{
			ShouldLock: true,
			Source:     SourceSafety,
			Confidence: 1,
			LimitType:  category.LimitSession,
			Reason:     fmt.Sprintf("safety ceiling of %.0f session minutes reached", l.limits.SessionMinutes),
		}, true, nil
	}
	return Verdict{}, false, nil
}

func validateInput(in Input) error {
	for _, v := range []float64{in.DailyMinutes, in.SessionMinutes, in.limitMinutes()} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: minutes %v", ErrInvalidInput, v)
		}
	}
	if in.Hour < 0 || in.Hour > 23 {
		return fmt.Errorf("%w: hour %d", ErrInvalidInput, in.Hour)
	}
	return nil
}

// ruleSet evaluates the threshold function against the current limits.
type ruleSet struct {
	eval  RuleEvaluator
	table *LimitTable
	peak  PeakWindow
}

func (r *ruleSet) facts(in Input) Facts {
	limits, _ := r.table.LimitsFor(in.Category)
	return Facts{
		Category:       in.Category,
		DailyMinutes:   in.limitMinutes(),
		SessionMinutes: in.SessionMinutes,
		UnlockCount:    in.UnlockCount,
		Hour:           in.Hour,
		Limits:         limits,
		Peak:           r.peak,
	}
}

func (r *ruleSet) evaluate(ctx context.Context, in Input) (RuleResult, error) {
	res, err := r.eval.Evaluate(ctx, r.facts(in))
	if err != nil {
		return RuleResult{}, fmt.Errorf("rule evaluation failed: %w", err)
	}
	return res, nil
}

// RuleLayer applies the rule-based threshold function. When enabled is nil
// the layer always runs.
type RuleLayer struct {
	rules   *ruleSet
	enabled *atomic.Bool
}

func (l *RuleLayer) Name() Source { return SourceRuleBased }

func (l *RuleLayer) escalates() bool { return true }

func (l *RuleLayer) TryDecide(ctx context.Context, in Input) (Verdict, bool, error) {
	if l.enabled != nil && !l.enabled.Load() {
		return Verdict{}, false, nil
	}
	res, err := l.rules.evaluate(ctx, in)
	if err != nil {
		return Verdict{}, false, err
	}
	return Verdict{
		ShouldLock: res.Lock,
		Source:     SourceRuleBased,
		Confidence: 1,
		Reason:     res.Reason,
		LimitType:  res.LimitType,
	}, true, nil
}

// LearningLayer never locks. It asks for feedback once per category each
// time daily usage passes a new milestone.
type LearningLayer struct {
	enabled    atomic.Bool
	milestones []float64

	mu      sync.Mutex
	reached map[category.Category]int
}

func newLearningLayer(milestones []float64, enabled bool) *LearningLayer {
	if len(milestones) == 0 {
		milestones = DefaultMilestones
	}
	sorted := append([]float64(nil), milestones...)
	sort.Float64s(sorted)
	l := &LearningLayer{
		milestones: sorted,
		reached:    make(map[category.Category]int),
	}
	l.enabled.Store(enabled)
	return l
}

func (l *LearningLayer) Name() Source { return SourceLearning }

func (l *LearningLayer) TryDecide(ctx context.Context, in Input) (Verdict, bool, error) {
	if !l.enabled.Load() {
		return Verdict{}, false, nil
	}
	v := Verdict{
		Source:     SourceLearning,
		Confidence: 1,
		Reason:     "learning mode",
	}
	if !in.Category.IsMonitored() {
		return v, true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Milestones follow the category's own minutes, like modelFeatures.
	n := l.passed(in.DailyMinutes)
	if n > l.reached[in.Category] {
		l.reached[in.Category] = n
		v.Feedback = &FeedbackRequest{
			Category:     in.Category,
			Milestone:    l.milestones[n-1],
			DailyMinutes: in.DailyMinutes,
		}
	}
	return v, true, nil
}

// passed counts the milestones at or below minutes.
func (l *LearningLayer) passed(minutes float64) int {
	return sort.Search(len(l.milestones), func(i int) bool { return l.milestones[i] > minutes })
}

// Seed marks milestones already passed today as requested, so a restart does
// not ask again.
func (l *LearningLayer) Seed(usage map[category.Category]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c, minutes := range usage {
		l.reached[c] = max(l.reached[c], l.passed(minutes))
	}
}

// Rollover forgets the milestones requested today.
func (l *LearningLayer) Rollover() {
	l.mu.Lock()
	l.reached = make(map[category.Category]int)
	l.mu.Unlock()
}

// MLLayer blends the rule-based verdict with the user model. It only
// answers when the ensemble is ready and confident enough.
type MLLayer struct {
	ensemble      *ml.EnsembleService
	rules         *ruleSet
	minConfidence float64
}

func (l *MLLayer) Name() Source { return SourceMLEnsemble }

func (l *MLLayer) TryDecide(ctx context.Context, in Input) (Verdict, bool, error) {
	if l.ensemble == nil || !l.ensemble.Ready() {
		return Verdict{}, false, nil
	}
	res, err := l.rules.evaluate(ctx, in)
	if err != nil {
		return Verdict{}, false, err
	}
	b, err := l.ensemble.Blend(ctx, modelFeatures(in), res.Lock)
	if err != nil {
		return Verdict{}, false, fmt.Errorf("ensemble blend failed: %w", err)
	}
	if b.Confidence < l.minConfidence {
		return Verdict{}, false, nil
	}

	// A model-initiated lock is a timed cooldown, never a lock until midnight.
	limitType := category.LimitSession
	if res.Lock {
		limitType = res.LimitType
	}
	return Verdict{
		ShouldLock: b.Lock,
		Source:     SourceMLEnsemble,
		Confidence: b.Confidence,
		LimitType:  limitType,
		Reason: fmt.Sprintf("ensemble %.0f%% rules / %.0f%% model",
			b.Weights.RuleBased*100, b.Weights.UserModel*100),
	}, true, nil
}

// modelFeatures describes in the way training samples are recorded: with
// the category's own minutes, never the pool total. Pools only shape the
// limits enforced by the safety and rule layers.
func modelFeatures(in Input) ml.Features {
	return ml.Features{
		Category:       in.Category,
		DailyMinutes:   in.DailyMinutes,
		SessionMinutes: in.SessionMinutes,
		Hour:           in.Hour,
	}
}

// HardFallbackLayer repeats the safety check and otherwise does not lock.
// It always produces a verdict.
type HardFallbackLayer struct {
	safety *SafetyLayer
	logger zerolog.Logger
}

func (l *HardFallbackLayer) Name() Source { return SourceFallback }

func (l *HardFallbackLayer) TryDecide(ctx context.Context, in Input) (Verdict, bool, error) {
	v, ok, err := l.safety.TryDecide(ctx, in)
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("category", in.Category.String()).
			Msg("CRITICAL: safety check failed, failing open")
		return Verdict{
			Source: SourceFallback,
			Reason: "safety check unavailable",
		}, true, nil
	}
	if ok {
		return v, true, nil
	}
	return Verdict{
		Source:     SourceFallback,
		Confidence: 1,
		Reason:     "within safety ceilings",
	}, true, nil
}
