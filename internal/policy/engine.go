package policy

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/metrics"
	"github.com/goodtune/klimit/internal/ml"
	"github.com/rs/zerolog"
)

// Mode selects which user-facing policy is active. Rule-based mode takes
// precedence over learning mode; with both off the ML ensemble decides.
type Mode struct {
	Learning  bool `json:"learning"`
	RuleBased bool `json:"rule_based"`
}

// Config holds decision engine configuration
type Config struct {
	Safety        ml.SafetyLimits
	Peak          PeakWindow
	MinConfidence float64
	Milestones    []float64
	Mode          Mode
}

// Engine runs the ordered decision layers:
// override, safety, rule-based mode, learning mode, ML ensemble,
// rule-based fallback, hard fallback.
type Engine struct {
	layers   []Layer
	ruleMode atomic.Bool
	learning *LearningLayer
	table    *LimitTable
	logger   zerolog.Logger
}

// NewEngine creates a decision engine. ensemble and override may be nil.
func NewEngine(cfg Config, table *LimitTable, rules RuleEvaluator, ensemble *ml.EnsembleService, override OverrideChecker, logger zerolog.Logger) *Engine {
	if cfg.Safety.DailyMinutes <= 0 {
		cfg.Safety.DailyMinutes = 360
	}
	if cfg.Safety.SessionMinutes <= 0 {
		cfg.Safety.SessionMinutes = 120
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = ml.DefaultMinConfidence
	}
	if rules == nil {
		rules = NativeRules{}
	}

	e := &Engine{
		table:  table,
		logger: logger.With().Str("component", "policy").Logger(),
	}
	e.ruleMode.Store(cfg.Mode.RuleBased)
	e.learning = newLearningLayer(cfg.Milestones, cfg.Mode.Learning)

	rs := &ruleSet{eval: rules, table: table, peak: cfg.Peak}
	safety := &SafetyLayer{limits: cfg.Safety}
	e.layers = []Layer{
		&OverrideLayer{checker: override},
		safety,
		&RuleLayer{rules: rs, enabled: &e.ruleMode},
		e.learning,
		&MLLayer{ensemble: ensemble, rules: rs, minConfidence: cfg.MinConfidence},
		&RuleLayer{rules: rs},
		&HardFallbackLayer{safety: safety, logger: e.logger},
	}

	e.logger.Info().
		Bool("learning", cfg.Mode.Learning).
		Bool("rule_based", cfg.Mode.RuleBased).
		Float64("min_confidence", cfg.MinConfidence).
		Msg("Decision engine initialized")

	return e
}

// SetMode switches the active policy mode.
func (e *Engine) SetMode(m Mode) {
	e.ruleMode.Store(m.RuleBased)
	e.learning.enabled.Store(m.Learning)
	e.logger.Info().Bool("learning", m.Learning).Bool("rule_based", m.RuleBased).Msg("Decision mode changed")
}

// Mode returns the active policy mode.
func (e *Engine) Mode() Mode {
	return Mode{Learning: e.learning.enabled.Load(), RuleBased: e.ruleMode.Load()}
}

// Limits returns the limit table the engine evaluates against.
func (e *Engine) Limits() *LimitTable {
	return e.table
}

// Layers returns the layer names in evaluation order.
func (e *Engine) Layers() []Source {
	names := make([]Source, len(e.layers))
	for i, l := range e.layers {
		names[i] = l.Name()
	}
	return names
}

// SeedMilestones marks today's already-passed learning milestones.
func (e *Engine) SeedMilestones(usage map[category.Category]float64) {
	e.learning.Seed(usage)
}

// Rollover resets per-day decision state.
func (e *Engine) Rollover() {
	e.learning.Rollover()
}

// Decide runs the layers in order and returns the first terminal verdict.
// It never fails: the last layer always answers.
func (e *Engine) Decide(ctx context.Context, in Input) Verdict {
	start := time.Now()
	in = e.resolvePool(in)

	last := len(e.layers) - 1
	for i := 0; i <= last; i++ {
		layer := e.layers[i]
		v, ok, err := layer.TryDecide(ctx, in)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("layer", string(layer.Name())).
				Str("category", in.Category.String()).
				Msg("Decision layer failed")
			if esc, isEsc := layer.(escalator); isEsc && esc.escalates() && i < last {
				i = last - 1
			}
			continue
		}
		if ok {
			e.record(v, start)
			return v
		}
	}

	// Only reachable if the hard fallback is removed.
	v := Verdict{Source: SourceFallback, Reason: "no layer answered"}
	e.record(v, start)
	return v
}

func (e *Engine) resolvePool(in Input) Input {
	if in.Usage == nil || e.table == nil {
		return in
	}
	usage := in.Usage
	if _, ok := usage[in.Category]; !ok {
		usage = make(map[category.Category]float64, len(in.Usage)+1)
		for c, m := range in.Usage {
			usage[c] = m
		}
		usage[in.Category] = in.DailyMinutes
	}
	in.pooled = e.table.Pools().Sum(in.Category, usage)
	in.resolved = true
	return in
}

func (e *Engine) record(v Verdict, start time.Time) {
	metrics.DecisionsTotal.WithLabelValues(string(v.Source), strconv.FormatBool(v.ShouldLock)).Inc()
	metrics.DecisionDuration.WithLabelValues(string(v.Source)).Observe(time.Since(start).Seconds())

	e.logger.Debug().
		Str("source", string(v.Source)).
		Bool("lock", v.ShouldLock).
		Float64("confidence", v.Confidence).
		Str("reason", v.Reason).
		Msg("Decision made")
}
