package ml

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/goodtune/klimit/internal/metrics"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/rs/zerolog"
)

// Ensemble defaults.
const (
	DefaultMinSamples    = 300
	DefaultMinConfidence = 0.6

	// minTrustSamples is the sample count below which helpfulness is not
	// considered meaningful.
	minTrustSamples = 50
)

// Weights split trust between the rule-based verdict and the user model.
// They always sum to 1.
type Weights struct {
	RuleBased float64 `json:"rule_based"`
	UserModel float64 `json:"user_model"`
}

// ComputeWeights derives weights from feedback quality. hasModel reports
// whether any model exists; trained whether it has enough training rows.
func ComputeWeights(stats storage.FeedbackStats, hasModel, trained bool, minSamples int) Weights {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	helpful := stats.HelpfulRate()

	switch {
	case !hasModel:
		return Weights{RuleBased: 1.0, UserModel: 0.0}
	case !trained:
		return Weights{RuleBased: 0.9, UserModel: 0.1}
	case helpful > 0.7 && stats.Total >= minSamples:
		return Weights{RuleBased: 0.5, UserModel: 0.5}
	case helpful >= 0.4 && helpful <= 0.7 && stats.Total >= minTrustSamples:
		return Weights{RuleBased: 0.7, UserModel: 0.3}
	case helpful < 0.4 && stats.Total >= minTrustSamples:
		return Weights{RuleBased: 0.9, UserModel: 0.1}
	default:
		// Not enough samples to judge the model either way.
		return Weights{RuleBased: 0.9, UserModel: 0.1}
	}
}

// Blend is the combined verdict of rules and model.
type Blend struct {
	Lock            bool    `json:"lock"`
	Confidence      float64 `json:"confidence"`
	Weights         Weights `json:"weights"`
	ModelLock       bool    `json:"model_lock"`
	ModelConfidence float64 `json:"model_confidence"`
}

// StatsProvider exposes current feedback statistics.
type StatsProvider interface {
	Stats() storage.FeedbackStats
}

// EnsembleConfig holds ensemble configuration
type EnsembleConfig struct {
	MinSamples int
}

// EnsembleService serves predictions from the active model. The model is
// swapped atomically, so readers never see a half-installed model.
type EnsembleService struct {
	cfg    EnsembleConfig
	stats  StatsProvider
	active atomic.Pointer[Model]
	logger zerolog.Logger
}

// NewEnsembleService creates an ensemble with no model.
func NewEnsembleService(cfg EnsembleConfig, stats StatsProvider, logger zerolog.Logger) *EnsembleService {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	return &EnsembleService{
		cfg:    cfg,
		stats:  stats,
		logger: logger.With().Str("component", "ensemble").Logger(),
	}
}

// SetStats installs the statistics source after construction.
func (e *EnsembleService) SetStats(stats StatsProvider) {
	e.stats = stats
}

func (e *EnsembleService) currentStats() storage.FeedbackStats {
	if e.stats == nil {
		return storage.FeedbackStats{}
	}
	return e.stats.Stats()
}

// Active returns the model in use, or nil.
func (e *EnsembleService) Active() *Model {
	return e.active.Load()
}

// Ready reports whether the model may take part in decisions.
func (e *EnsembleService) Ready() bool {
	m := e.active.Load()
	if m == nil {
		return false
	}
	return e.currentStats().Total >= e.cfg.MinSamples && m.TrainingRows >= e.cfg.MinSamples
}

// Weights returns the weights that would be used right now.
func (e *EnsembleService) Weights() Weights {
	m := e.active.Load()
	return ComputeWeights(e.currentStats(), m != nil, m != nil && m.TrainingRows >= e.cfg.MinSamples, e.cfg.MinSamples)
}

// Blend combines the rule-based verdict with the active model.
func (e *EnsembleService) Blend(ctx context.Context, f Features, ruleLock bool) (Blend, error) {
	if err := ctx.Err(); err != nil {
		return Blend{}, err
	}
	m := e.active.Load()
	w := ComputeWeights(e.currentStats(), m != nil, m != nil && m.TrainingRows >= e.cfg.MinSamples, e.cfg.MinSamples)

	b := Blend{Weights: w}
	pLock := w.RuleBased * vote(ruleLock)
	if m != nil {
		b.ModelLock, b.ModelConfidence = m.Predict(f)
		pModel := b.ModelConfidence
		if !b.ModelLock {
			pModel = 1 - pModel
		}
		pLock += w.UserModel * pModel
	}

	b.Lock = pLock >= 0.5
	b.Confidence = pLock
	if !b.Lock {
		b.Confidence = 1 - pLock
	}
	return b, nil
}

func vote(lock bool) float64 {
	if lock {
		return 1
	}
	return 0
}

// Load restores the persisted model. An invalid model is deleted so the
// next training starts fresh.
func (e *EnsembleService) Load(ctx context.Context, store storage.ModelStore) error {
	stored, err := store.LoadModel(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Info().Msg("No trained model yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	m, err := Deserialize(*stored)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Discarding invalid persisted model")
		if delErr := store.DeleteModel(ctx); delErr != nil {
			return fmt.Errorf("failed to delete invalid model: %w", delErr)
		}
		return nil
	}

	e.active.Store(m)
	metrics.ModelAccuracy.Set(m.Accuracy)
	e.logger.Info().
		Int("training_rows", m.TrainingRows).
		Float64("accuracy", m.Accuracy).
		Time("trained_at", m.TrainedAt).
		Msg("Model loaded")
	return nil
}

// Install persists m and then makes it the active model. If the save fails
// the previous model stays active.
func (e *EnsembleService) Install(ctx context.Context, store storage.ModelStore, m *Model) error {
	serialized, err := m.Serialize()
	if err != nil {
		return err
	}
	if _, err := Deserialize(serialized); err != nil {
		return err
	}
	if err := store.SaveModel(ctx, serialized); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	e.active.Store(m)
	metrics.ModelAccuracy.Set(m.Accuracy)
	return nil
}
