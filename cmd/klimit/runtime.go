package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/config"
	"github.com/goodtune/klimit/internal/feedback"
	"github.com/goodtune/klimit/internal/ml"
	"github.com/goodtune/klimit/internal/monitor"
	"github.com/goodtune/klimit/internal/notify"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/policy/opa"
	"github.com/goodtune/klimit/internal/source"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/goodtune/klimit/internal/storage/bolt"
	"github.com/goodtune/klimit/internal/storage/redis"
	"github.com/goodtune/klimit/internal/threshold"
	"github.com/goodtune/klimit/internal/usage"
	"github.com/goodtune/klimit/internal/violation"
	"github.com/rs/zerolog"
)

const categorizerCacheSize = 512

// runtime is the fully wired set of components shared by the server and the
// offline commands.
type runtime struct {
	cfg    *config.Config
	store  storage.Store
	logger zerolog.Logger

	limits     *policy.LimitTable
	policies   *opa.Engine // nil with the native rules engine
	override   *policy.ManualOverride
	engine     *policy.Engine
	ensemble   *ml.EnsembleService
	pipeline   *feedback.Pipeline
	thresholds *threshold.Manager
	reconciler *usage.EventReconciler
	monitor    *monitor.Monitor
}

// sources feed the monitor. Both may be the same value.
type sources struct {
	events     source.EventSource
	foreground source.ForegroundSource
}

func newRuntime(ctx context.Context, cfg *config.Config, store storage.Store, clock policy.Clock, src sources, notifier notify.Notifier, logger zerolog.Logger) (*runtime, error) {
	rt := &runtime{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		override: &policy.ManualOverride{},
	}
	now := clock.Now()

	static, err := category.NewStaticCategorizer(cfg.AppMap())
	if err != nil {
		return nil, fmt.Errorf("failed to build categorizer: %w", err)
	}
	categorizer, err := category.NewCachedCategorizer(static, categorizerCacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build categorizer cache: %w", err)
	}

	rt.limits, err = buildLimits(cfg)
	if err != nil {
		return nil, err
	}

	var rules policy.RuleEvaluator = policy.NativeRules{}
	if cfg.Rules.Engine == "opa" {
		rt.policies, err = opa.NewEngine(cfg.Rules.PolicyDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OPA rules: %w", err)
		}
		rules = rt.policies
	}

	safety := ml.SafetyLimits{DailyMinutes: cfg.Safety.DailyMinutes, SessionMinutes: cfg.Safety.SessionMinutes}
	rt.ensemble = ml.NewEnsembleService(ml.EnsembleConfig{MinSamples: cfg.ML.MinSamples}, nil, logger)
	rt.pipeline = feedback.NewPipeline(feedback.Config{
		Train: ml.TrainConfig{
			Tree:               ml.TreeConfig{MinLeafSize: cfg.ML.MinLeafSize, MaxDepth: cfg.ML.MaxDepth},
			Safety:             safety,
			MinTrainingSamples: cfg.ML.MinTrainingSamples,
		},
	}, store, rt.ensemble, logger)
	rt.ensemble.SetStats(rt.pipeline)

	rt.engine = policy.NewEngine(policy.Config{
		Safety: safety,
		Peak: policy.PeakWindow{
			StartHour:  cfg.Rules.PeakStartHour,
			EndHour:    cfg.Rules.PeakEndHour,
			Multiplier: cfg.Rules.PeakMultiplier,
		},
		MinConfidence: cfg.ML.MinConfidence,
		Mode:          policy.Mode{Learning: cfg.Mode.Learning, RuleBased: cfg.Mode.RuleBased},
	}, rt.limits, rules, rt.ensemble, rt.override, logger)

	rt.thresholds = threshold.NewManager(threshold.Config{
		Interval:        config.Duration(cfg.Thresholds.Interval, threshold.DefaultInterval),
		MinDeltaMinutes: cfg.Thresholds.MinDeltaMinutes,
	}, store, rt.limits, notifier, logger)

	rt.reconciler = usage.NewEventReconciler(categorizer, store.Ledgers(), usage.ReconcilerConfig{}, now, logger)
	session := usage.NewSessionClock(usage.SessionConfig{
		InactivityThreshold: config.Duration(cfg.Session.InactivityThreshold, usage.DefaultInactivityThreshold),
		MinTick:             config.Duration(cfg.Session.MinTick, usage.DefaultMinTick),
		MaxTick:             config.Duration(cfg.Session.MaxTick, usage.DefaultMaxTick),
	}, rt.reconciler, logger)

	tiers := make([]time.Duration, len(cfg.Cooldown.Tiers))
	for i, s := range cfg.Cooldown.Tiers {
		tiers[i] = time.Duration(s) * time.Second
	}
	violations, err := violation.NewStateMachine(violation.Config{
		Tiers:       tiers,
		GraceWindow: config.Duration(cfg.Cooldown.GraceWindow, violation.DefaultGraceWindow),
	}, session, rt.reconciler, logger)
	if err != nil {
		return nil, err
	}

	rt.monitor = monitor.New(monitor.Config{
		TickInterval: config.Duration(cfg.Monitor.TickInterval, monitor.DefaultTickInterval),
		CallTimeout:  config.Duration(cfg.Monitor.CallTimeout, monitor.DefaultCallTimeout),
	}, monitor.Deps{
		Clock:       clock,
		Events:      src.events,
		Foreground:  src.foreground,
		Categorizer: categorizer,
		Reconciler:  rt.reconciler,
		Session:     session,
		Violations:  violations,
		Engine:      rt.engine,
		Ensemble:    rt.ensemble,
		Feedback:    rt.pipeline,
		Notifier:    notifier,
	}, logger)

	if err := rt.load(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

// load restores persisted state in dependency order: feedback stats before
// the model (readiness depends on them), limits before the first decision.
func (rt *runtime) load(ctx context.Context) error {
	if err := rt.pipeline.Load(ctx); err != nil {
		return fmt.Errorf("failed to load feedback stats: %w", err)
	}
	if err := rt.ensemble.Load(ctx, rt.store.Models()); err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if err := rt.thresholds.Load(ctx); err != nil {
		return fmt.Errorf("failed to load thresholds: %w", err)
	}
	if err := rt.monitor.Init(ctx); err != nil {
		return fmt.Errorf("failed to restore usage: %w", err)
	}
	return nil
}

func buildLimits(cfg *config.Config) (*policy.LimitTable, error) {
	limits := make(map[category.Category]policy.Limits, len(cfg.Categories))
	pools := make(map[category.Category]string, len(cfg.Categories))
	for name, cc := range cfg.Categories {
		c, err := category.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("categories.%s: %w", name, err)
		}
		limits[c] = policy.Limits{
			DailyMinutes:    cc.DailyMinutes,
			SessionMinutes:  cc.SessionMinutes,
			UnlockLimit:     cc.UnlockLimit,
			MinDailyMinutes: cc.MinDailyMinutes,
			MaxDailyMinutes: cc.MaxDailyMinutes,
		}
		pools[c] = cc.Pool
	}
	return policy.NewLimitTable(limits, category.NewPools(pools)), nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// buildNotifier always logs events and additionally publishes them when a
// Redis channel is configured, sharing the store's connection if it has one.
func buildNotifier(cfg *config.Config, store storage.Store, logger zerolog.Logger) (notify.Notifier, func(), error) {
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	cleanup := func() {}
	if cfg.Notify.RedisChannel == "" {
		return notifiers, cleanup, nil
	}

	if rs, ok := store.(*redis.Store); ok {
		notifiers = append(notifiers, notify.NewRedisNotifier(rs.Client(), cfg.Notify.RedisChannel))
		return notifiers, cleanup, nil
	}
	client, err := redis.NewClient(cfg.Storage.Redis)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to connect notifier: %w", err)
	}
	notifiers = append(notifiers, notify.NewRedisNotifier(client, cfg.Notify.RedisChannel))
	return notifiers, func() { _ = client.Close() }, nil
}

// daemonStatus is served on /status.
type daemonStatus struct {
	Version  string                              `json:"version"`
	Mode     string                              `json:"mode"`
	Monitor  *monitor.Status                     `json:"monitor"`
	Limits   map[category.Category]policy.Limits `json:"limits"`
	Feedback storage.FeedbackStats               `json:"feedback"`
	Override bool                                `json:"override"`
}

func (rt *runtime) status() daemonStatus {
	override, _ := rt.override.OverrideActive(context.Background())
	return daemonStatus{
		Version:  version,
		Mode:     modeName(rt.engine.Mode()),
		Monitor:  rt.monitor.Status(),
		Limits:   rt.limits.Snapshot(),
		Feedback: rt.pipeline.Stats(),
		Override: override,
	}
}

func modeName(m policy.Mode) string {
	switch {
	case m.RuleBased:
		return "rule_based"
	case m.Learning:
		return "learning"
	default:
		return "ml_ensemble"
	}
}
