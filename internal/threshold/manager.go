package threshold

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/metrics"
	"github.com/goodtune/klimit/internal/notify"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/rs/zerolog"
)

// ErrNotReady is returned when a category cannot be adjusted yet.
var ErrNotReady = errors.New("threshold adjustment not ready")

// Tuning defaults.
const (
	DefaultInterval        = 7 * 24 * time.Hour
	DefaultMinDeltaMinutes = 10

	// Minimum evidence over the window before a limit is touched.
	minUsageDays = 3
	minFeedback  = 5

	shrinkBelowUsage = 0.70
	shrinkSatisfied  = 0.75
	shrinkHeadroom   = 1.10
	growAboveUsage   = 0.95
	growUnsatisfied  = 0.50
	growFactor       = 1.15
)

// Direction of an adjustment.
type Direction string

const (
	DirectionShrink Direction = "shrink"
	DirectionGrow   Direction = "grow"
	DirectionNone   Direction = "none"
)

// Adjustment is the outcome of evaluating one category.
type Adjustment struct {
	Category      category.Category `json:"category"`
	Direction     Direction         `json:"direction"`
	OldLimit      float64           `json:"old_limit_minutes"`
	NewLimit      float64           `json:"new_limit_minutes"`
	AverageUsage  float64           `json:"average_usage_minutes"`
	UsagePercent  float64           `json:"usage_percent"`
	Satisfaction  float64           `json:"satisfaction"`
	FeedbackCount int               `json:"feedback_count"`
}

// Config holds threshold manager configuration
type Config struct {
	Interval        time.Duration
	MinDeltaMinutes float64
}

// Manager retunes per-category daily limits from observed usage and
// satisfaction, at most once per interval per category.
type Manager struct {
	cfg      Config
	store    storage.Store
	limits   *policy.LimitTable
	notifier notify.Notifier
	logger   zerolog.Logger
}

// NewManager creates a threshold manager.
func NewManager(cfg Config, store storage.Store, limits *policy.LimitTable, notifier notify.Notifier, logger zerolog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MinDeltaMinutes <= 0 {
		cfg.MinDeltaMinutes = DefaultMinDeltaMinutes
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		limits:   limits,
		notifier: notifier,
		logger:   logger.With().Str("component", "threshold").Logger(),
	}
}

// Load applies persisted tuned limits to the limit table.
func (m *Manager) Load(ctx context.Context) error {
	states, err := m.store.State().ListThresholds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list thresholds: %w", err)
	}
	for _, s := range states {
		applied, err := m.limits.SetDailyLimit(s.Category, s.DailyLimitMinutes)
		if err != nil {
			m.logger.Warn().Err(err).Str("category", s.Category.String()).Msg("Ignoring persisted threshold")
			continue
		}
		metrics.DailyLimitMinutes.WithLabelValues(s.Category.String()).Set(applied)
		m.logger.Info().
			Str("category", s.Category.String()).
			Float64("daily_minutes", applied).
			Msg("Restored tuned daily limit")
	}
	return nil
}

// Run evaluates every monitored category and applies due adjustments.
// Categories that are not ready are skipped.
func (m *Manager) Run(ctx context.Context, now time.Time) ([]Adjustment, error) {
	var out []Adjustment
	for _, c := range category.Monitored {
		adj, err := m.Adjust(ctx, c, now)
		if errors.Is(err, ErrNotReady) {
			m.logger.Debug().Err(err).Str("category", c.String()).Msg("Threshold not ready")
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, adj)
	}
	return out, nil
}

// Adjust evaluates c and, when warranted, changes its daily limit.
func (m *Manager) Adjust(ctx context.Context, c category.Category, now time.Time) (Adjustment, error) {
	adj, err := m.Evaluate(ctx, c, now)
	if err != nil {
		return adj, err
	}

	state := storage.ThresholdState{Category: c, DailyLimitMinutes: adj.OldLimit, LastAdjustedAt: now}
	if adj.Direction != DirectionNone {
		applied, err := m.limits.SetDailyLimit(c, adj.NewLimit)
		if err != nil {
			return adj, err
		}
		adj.NewLimit = applied
		state.DailyLimitMinutes = applied
	}

	// The evaluation time is persisted even without a change so the
	// category waits a full interval before the next look.
	if err := m.store.State().PutThreshold(ctx, state); err != nil {
		return adj, fmt.Errorf("failed to persist threshold: %w", err)
	}
	if adj.Direction == DirectionNone {
		return adj, nil
	}

	metrics.ThresholdAdjustments.WithLabelValues(c.String(), string(adj.Direction)).Inc()
	metrics.DailyLimitMinutes.WithLabelValues(c.String()).Set(adj.NewLimit)
	m.logger.Info().
		Str("category", c.String()).
		Str("direction", string(adj.Direction)).
		Float64("old_limit", adj.OldLimit).
		Float64("new_limit", adj.NewLimit).
		Float64("usage_percent", adj.UsagePercent).
		Float64("satisfaction", adj.Satisfaction).
		Msg("Daily limit adjusted")

	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, notify.ThresholdAdjusted(now, c, adj.OldLimit, adj.NewLimit)); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to emit threshold event")
		}
	}
	return adj, nil
}

// Evaluate computes the adjustment for c without applying it.
func (m *Manager) Evaluate(ctx context.Context, c category.Category, now time.Time) (Adjustment, error) {
	adj := Adjustment{Category: c, Direction: DirectionNone}

	limits, ok := m.limits.LimitsFor(c)
	if !ok || limits.DailyMinutes <= 0 {
		return adj, fmt.Errorf("%w: %s has no daily limit", ErrNotReady, c)
	}
	adj.OldLimit = limits.DailyMinutes
	adj.NewLimit = limits.DailyMinutes

	state, err := m.store.State().GetThreshold(ctx, c)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return adj, fmt.Errorf("failed to load threshold state: %w", err)
	}
	if state != nil && now.Sub(state.LastAdjustedAt) < m.cfg.Interval {
		return adj, fmt.Errorf("%w: %s evaluated %s ago", ErrNotReady, c, now.Sub(state.LastAdjustedAt).Round(time.Minute))
	}

	// Whole days only: today's ledger is still filling up.
	windowStart := now.Add(-m.cfg.Interval)
	avg, days, err := m.averageUsage(ctx, c, windowStart, now.AddDate(0, 0, -1))
	if err != nil {
		return adj, err
	}
	if days < minUsageDays {
		return adj, fmt.Errorf("%w: %s has %d days of usage", ErrNotReady, c, days)
	}
	satisfaction, count, err := m.satisfaction(ctx, c, windowStart)
	if err != nil {
		return adj, err
	}
	if count < minFeedback {
		return adj, fmt.Errorf("%w: %s has %d feedback samples", ErrNotReady, c, count)
	}

	adj.AverageUsage = avg
	adj.UsagePercent = avg / limits.DailyMinutes
	adj.Satisfaction = satisfaction
	adj.FeedbackCount = count

	var proposed float64
	switch {
	case adj.UsagePercent < shrinkBelowUsage && satisfaction >= shrinkSatisfied:
		proposed = avg * shrinkHeadroom
		if limits.MinDailyMinutes > 0 {
			proposed = max(proposed, limits.MinDailyMinutes)
		}
		adj.Direction = DirectionShrink
	case adj.UsagePercent > growAboveUsage && satisfaction < growUnsatisfied:
		proposed = limits.DailyMinutes * growFactor
		if limits.MaxDailyMinutes > 0 {
			proposed = min(proposed, limits.MaxDailyMinutes)
		}
		adj.Direction = DirectionGrow
	default:
		return adj, nil
	}

	if math.Abs(proposed-limits.DailyMinutes) < m.cfg.MinDeltaMinutes {
		adj.Direction = DirectionNone
		return adj, nil
	}
	adj.NewLimit = proposed
	return adj, nil
}

// averageUsage returns the mean daily minutes of c over days with a ledger.
func (m *Manager) averageUsage(ctx context.Context, c category.Category, from, to time.Time) (float64, int, error) {
	ledgers, err := m.store.Ledgers().ListLedgers(ctx, from.Format(storage.DateFormat), to.Format(storage.DateFormat))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list ledgers: %w", err)
	}
	if len(ledgers) == 0 {
		return 0, 0, nil
	}
	var total float64
	for _, l := range ledgers {
		if u, ok := l.Categories[c]; ok {
			total += float64(u.AccumulatedSeconds) / 60
		}
	}
	return total / float64(len(ledgers)), len(ledgers), nil
}

// satisfaction returns the fraction of recent feedback for c that did not
// report overuse.
func (m *Manager) satisfaction(ctx context.Context, c category.Category, since time.Time) (float64, int, error) {
	samples, err := m.store.Training().ListSamples(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list samples: %w", err)
	}
	var count, satisfied int
	for _, s := range samples {
		if s.Category != c || s.CreatedAt.Before(since) {
			continue
		}
		count++
		if !s.Label {
			satisfied++
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return float64(satisfied) / float64(count), count, nil
}
