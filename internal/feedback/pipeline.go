package feedback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/metrics"
	"github.com/goodtune/klimit/internal/ml"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/rs/zerolog"
)

// ErrRetrainInProgress is returned when a retrain is requested while another
// one is running.
var ErrRetrainInProgress = errors.New("retrain already in progress")

// Retraining trigger defaults.
var DefaultMilestones = []int{100, 200, 500, 1000, 2000, 5000}

const (
	DefaultNewSamples    = 100
	DefaultStaleAfter    = 24 * time.Hour
	DefaultAccuracyFloor = 0.7
)

// Snapshot is the usage context a piece of feedback refers to.
type Snapshot struct {
	Category       category.Category `json:"category"`
	DailyMinutes   float64           `json:"daily_minutes"`
	SessionMinutes float64           `json:"session_minutes"`
	Hour           int               `json:"hour"`
	At             time.Time         `json:"at"`
}

// Config holds feedback pipeline configuration
type Config struct {
	Train         ml.TrainConfig
	Milestones    []int
	NewSamples    int
	StaleAfter    time.Duration
	AccuracyFloor float64
}

// Pipeline turns user feedback into training rows and retrains the model
// when enough new feedback has arrived.
type Pipeline struct {
	cfg      Config
	store    storage.Store
	ensemble *ml.EnsembleService
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	stats storage.FeedbackStats

	retraining atomic.Bool
	wg         sync.WaitGroup
}

// NewPipeline creates a feedback pipeline.
func NewPipeline(cfg Config, store storage.Store, ensemble *ml.EnsembleService, logger zerolog.Logger) *Pipeline {
	if len(cfg.Milestones) == 0 {
		cfg.Milestones = DefaultMilestones
	}
	if cfg.NewSamples <= 0 {
		cfg.NewSamples = DefaultNewSamples
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.AccuracyFloor <= 0 {
		cfg.AccuracyFloor = DefaultAccuracyFloor
	}
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		ensemble: ensemble,
		logger:   logger.With().Str("component", "feedback").Logger(),
		now:      time.Now,
	}
}

// Load restores persisted feedback statistics.
func (p *Pipeline) Load(ctx context.Context) error {
	stats, err := p.store.State().GetFeedbackStats(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load feedback stats: %w", err)
	}

	p.mu.Lock()
	p.stats = *stats
	p.mu.Unlock()

	p.logger.Info().
		Int("total", stats.Total).
		Float64("helpful_rate", stats.HelpfulRate()).
		Msg("Feedback statistics loaded")
	return nil
}

// Stats returns a copy of the current statistics.
func (p *Pipeline) Stats() storage.FeedbackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// RecordProactive stores the answer to "is this too much?".
func (p *Pipeline) RecordProactive(ctx context.Context, snap Snapshot, userSaysOveruse bool) error {
	return p.record(ctx, snap, userSaysOveruse, storage.SourceProactive)
}

// RecordPassive stores the implicit signal of a natural app close. A
// satisfied close means no lock was needed, so the label is false.
func (p *Pipeline) RecordPassive(ctx context.Context, snap Snapshot, satisfied bool) error {
	return p.record(ctx, snap, !satisfied, storage.SourcePassive)
}

func (p *Pipeline) record(ctx context.Context, snap Snapshot, label bool, source string) error {
	if snap.At.IsZero() {
		snap.At = p.now()
	}
	sample := storage.TrainingSample{
		Category:       snap.Category,
		DailyMinutes:   snap.DailyMinutes,
		SessionMinutes: snap.SessionMinutes,
		HourOfDay:      snap.Hour,
		Label:          label,
		Source:         source,
		CreatedAt:      snap.At,
	}
	// Feedback is helpful when it is consistent with the usage it describes.
	_, dropped := ml.FilterOutliers([]storage.TrainingSample{sample}, p.cfg.Train.Safety)
	sample.Helpful = dropped == 0

	if err := p.store.Training().AppendSample(ctx, sample); err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}
	metrics.FeedbackTotal.WithLabelValues(source, strconv.FormatBool(sample.Helpful)).Inc()

	p.mu.Lock()
	p.stats.Total++
	if sample.Helpful {
		p.stats.Helpful++
	}
	reason := p.retrainReason(snap.At)
	stats := p.stats
	p.mu.Unlock()

	if err := p.store.State().PutFeedbackStats(ctx, stats); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to persist feedback stats")
	}

	p.logger.Debug().
		Str("category", snap.Category.String()).
		Str("source", source).
		Bool("label", label).
		Bool("helpful", sample.Helpful).
		Int("total", stats.Total).
		Msg("Feedback recorded")

	if reason != "" {
		p.startRetrain(reason)
	}
	return nil
}

// retrainReason returns why a retrain is due, or "". Callers hold p.mu.
func (p *Pipeline) retrainReason(now time.Time) string {
	s := &p.stats
	for _, m := range p.cfg.Milestones {
		if s.Total >= m && m > s.LastMilestone {
			s.LastMilestone = m
			return fmt.Sprintf("reached %d samples", m)
		}
	}

	newSamples := s.Total - s.SamplesAtLastTraining
	if newSamples <= 0 {
		return ""
	}
	if newSamples >= p.cfg.NewSamples {
		return fmt.Sprintf("%d new samples", newSamples)
	}
	if !s.LastTrainedAt.IsZero() {
		if now.Sub(s.LastTrainedAt) >= p.cfg.StaleAfter {
			return "model is stale"
		}
		if s.LastAccuracy < p.cfg.AccuracyFloor {
			return fmt.Sprintf("accuracy %.2f below floor", s.LastAccuracy)
		}
	}
	return ""
}

// startRetrain runs a retrain in the background. It is detached from any
// caller context so stopping the monitor does not abort it.
func (p *Pipeline) startRetrain(reason string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, err := p.Retrain(context.Background(), reason)
		if err != nil && !errors.Is(err, ErrRetrainInProgress) {
			p.logger.Warn().Err(err).Str("reason", reason).Msg("Retrain failed")
		}
	}()
}

// Retrain trains a model over all stored feedback and installs it. Only one
// retrain runs at a time; a concurrent call returns ErrRetrainInProgress.
func (p *Pipeline) Retrain(ctx context.Context, reason string) (*ml.TrainResult, error) {
	if !p.retraining.CompareAndSwap(false, true) {
		metrics.RetrainsTotal.WithLabelValues("conflict").Inc()
		return nil, ErrRetrainInProgress
	}
	defer p.retraining.Store(false)

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() { metrics.RetrainDuration.Observe(time.Since(start).Seconds()) }()

	p.logger.Info().Str("reason", reason).Msg("Retraining model")

	// Feedback counted so far; retention pruning shrinks the stored rows but
	// never this counter, so it is the mark new feedback is measured from.
	p.mu.Lock()
	total := p.stats.Total
	p.mu.Unlock()

	samples, err := p.store.Training().ListSamples(ctx)
	if err != nil {
		metrics.RetrainsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}

	result, err := ml.Train(samples, p.cfg.Train, p.now())
	if errors.Is(err, ml.ErrInsufficientQualityFeedback) {
		metrics.RetrainsTotal.WithLabelValues("insufficient").Inc()
		p.markAttempt(ctx, total, nil)
		return nil, err
	}
	if err != nil {
		metrics.RetrainsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := p.ensemble.Install(ctx, p.store.Models(), result.Model); err != nil {
		metrics.RetrainsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to install model: %w", err)
	}
	metrics.RetrainsTotal.WithLabelValues("success").Inc()
	p.markAttempt(ctx, total, result.Model)

	p.logger.Info().
		Int("kept", result.Kept).
		Int("dropped", result.Dropped).
		Int("depth", result.Model.Tree.Depth()).
		Float64("accuracy", result.Model.Accuracy).
		Msg("Model retrained")
	return result, nil
}

// markAttempt records the feedback count a retrain covered, so the same data
// does not trigger another retrain.
func (p *Pipeline) markAttempt(ctx context.Context, total int, m *ml.Model) {
	p.mu.Lock()
	p.stats.SamplesAtLastTraining = max(p.stats.SamplesAtLastTraining, total)
	if m != nil {
		p.stats.LastTrainedAt = m.TrainedAt
		p.stats.LastAccuracy = m.Accuracy
	}
	stats := p.stats
	p.mu.Unlock()

	if err := p.store.State().PutFeedbackStats(ctx, stats); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to persist feedback stats")
	}
}

// Wait blocks until background retrains have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
