package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/feedback"
	"github.com/goodtune/klimit/internal/metrics"
	"github.com/goodtune/klimit/internal/ml"
	"github.com/goodtune/klimit/internal/notify"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/source"
	"github.com/goodtune/klimit/internal/usage"
	"github.com/goodtune/klimit/internal/violation"
	"github.com/rs/zerolog"
)

// Driver defaults.
const (
	DefaultTickInterval  = 200 * time.Millisecond
	DefaultCallTimeout   = 150 * time.Millisecond
	DefaultFlushInterval = 5 * time.Second
)

// Config holds monitor configuration
type Config struct {
	TickInterval  time.Duration
	CallTimeout   time.Duration
	FlushInterval time.Duration
}

// Deps are the components a monitor drives. Feedback, Ensemble and Notifier
// may be nil.
type Deps struct {
	Clock       policy.Clock
	Events      source.EventSource
	Foreground  source.ForegroundSource
	Categorizer category.Categorizer
	Reconciler  *usage.EventReconciler
	Session     *usage.SessionClock
	Violations  *violation.StateMachine
	Engine      *policy.Engine
	Ensemble    *ml.EnsembleService
	Feedback    *feedback.Pipeline
	Notifier    notify.Notifier
}

// Monitor is the single periodic driver of the decision pipeline. Ticks
// never overlap: a tick that finds the previous one still running is
// skipped, not queued.
type Monitor struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
	status  atomic.Pointer[Status]

	// Owned by the tick in progress.
	lastQuery time.Time
	lastFlush time.Time
	lastCat   *category.Category

	// Unanswered feedback requests, also answered from the control API.
	pendingMu sync.Mutex
	pending   map[category.Category]feedback.Snapshot
}

// New creates a monitor.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if deps.Clock == nil {
		deps.Clock = policy.RealClock{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(logger)
	}
	return &Monitor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With().Str("component", "monitor").Logger(),
		pending: make(map[category.Category]feedback.Snapshot),
	}
}

// Init restores today's usage and marks already-passed learning milestones.
func (m *Monitor) Init(ctx context.Context) error {
	if err := m.deps.Reconciler.Load(ctx); err != nil {
		return err
	}
	m.deps.Engine.SeedMilestones(m.usage())
	return nil
}

// Run ticks until ctx is cancelled, then waits for the tick in flight and
// flushes usage.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.TickInterval).Msg("Monitor started")

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.shutdownFlush()
			m.logger.Info().Msg("Monitor stopped")
			return nil
		case <-ticker.C:
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.TryTick(ctx)
			}()
		}
	}
}

func (m *Monitor) shutdownFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.deps.Reconciler.Flush(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to flush usage on shutdown")
	}
}

// TryTick runs one tick unless another is in progress. It reports whether
// the tick ran.
func (m *Monitor) TryTick(ctx context.Context) bool {
	if !m.running.CompareAndSwap(false, true) {
		metrics.TicksSkipped.Inc()
		return false
	}
	defer m.running.Store(false)
	m.tick(ctx)
	return true
}

func (m *Monitor) tick(ctx context.Context) {
	now := m.deps.Clock.Now()
	d := m.deps

	// Cooldowns first, so a lock that just ended is not re-reported.
	d.Violations.Decay(now)
	if cleared, ok := d.Violations.Expire(now); ok {
		m.emit(ctx, notify.LockCleared(now, cleared.Category, "cooldown expired"))
	}

	if d.Reconciler.Rollover(now) {
		m.rollover(ctx, now)
	}

	events := m.queryEvents(ctx, now)
	fg, fgKnown := m.foreground(ctx)
	var fgPtr *category.AppID
	if fgKnown {
		fgPtr = &fg
	}

	d.Reconciler.Reconcile(events, fgPtr, now)

	var cat *category.Category
	if fgKnown && fg != "" {
		c := d.Categorizer.CategoryOf(fg)
		cat = &c
	}
	sessionMinutes := d.Session.Tick(cat, now)
	m.passiveFeedback(ctx, cat, now)

	st := &Status{
		Time:           now,
		Foreground:     fg,
		SessionMinutes: sessionMinutes,
		DailyMinutes:   m.usage(),
		Mode:           d.Engine.Mode(),
	}
	defer func() {
		st.Cooldown = d.Violations.Current(now)
		if d.Ensemble != nil {
			st.ModelReady = d.Ensemble.Ready()
			w := d.Ensemble.Weights()
			st.Weights = &w
		}
		m.status.Store(st)
		m.maybeFlush(ctx, now)
	}()

	if cat == nil || !cat.IsMonitored() {
		return
	}
	st.Category = cat

	// Already locked: nothing to decide until the cooldown ends.
	if d.Violations.Current(now).Active(now) {
		return
	}

	c := *cat
	in := policy.Input{
		Category:       c,
		DailyMinutes:   st.DailyMinutes[c],
		SessionMinutes: sessionMinutes,
		Hour:           now.Hour(),
		UnlockCount:    int(d.Violations.EffectiveUnlocks(c, d.Reconciler.UnlockCount(c))),
		Usage:          st.DailyMinutes,
	}
	v := d.Engine.Decide(ctx, in)
	st.Verdict = &v

	if v.ShouldLock {
		state := d.Violations.Lock(v.LimitType, c, string(fg), now)
		m.pendingMu.Lock()
		delete(m.pending, c)
		m.pendingMu.Unlock()
		m.emit(ctx, notify.LockTriggered(now, c, v.LimitType, v.Reason, state.Remaining(now), state.AppLabel))
	}
	if v.Feedback != nil {
		m.pendingMu.Lock()
		m.pending[c] = feedback.Snapshot{
			Category:       c,
			DailyMinutes:   in.DailyMinutes,
			SessionMinutes: sessionMinutes,
			Hour:           in.Hour,
			At:             now,
		}
		m.pendingMu.Unlock()
		m.emit(ctx, notify.FeedbackRequested(now, c, v.Feedback.Milestone, in.DailyMinutes, sessionMinutes))
	}
}

// rollover resets everything that is scoped to a day.
func (m *Monitor) rollover(ctx context.Context, now time.Time) {
	d := m.deps
	if cleared, ok := d.Violations.Rollover(); ok {
		m.emit(ctx, notify.LockCleared(now, cleared.Category, "midnight"))
	}
	d.Engine.Rollover()
	d.Session.Reset(now)
	m.pendingMu.Lock()
	m.pending = make(map[category.Category]feedback.Snapshot)
	m.pendingMu.Unlock()
	m.logger.Info().Str("date", usage.DayKey(now)).Msg("Day rolled over")
}

// passiveFeedback records a satisfied close when the user leaves a category
// with an unanswered milestone without being locked.
func (m *Monitor) passiveFeedback(ctx context.Context, cat *category.Category, now time.Time) {
	prev := m.lastCat
	m.lastCat = cat
	if prev == nil || (cat != nil && *cat == *prev) {
		return
	}
	m.pendingMu.Lock()
	snap, ok := m.pending[*prev]
	delete(m.pending, *prev)
	m.pendingMu.Unlock()
	if !ok || m.deps.Feedback == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := m.deps.Feedback.RecordPassive(callCtx, snap, true); err != nil {
		m.logger.Warn().Err(err).Str("category", prev.String()).Msg("Failed to record passive feedback")
	}
}

func (m *Monitor) queryEvents(ctx context.Context, now time.Time) []usage.RawEvent {
	if m.deps.Events == nil {
		return nil
	}
	since := m.lastQuery
	if since.IsZero() {
		since = usage.StartOfDay(now)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	events, err := m.deps.Events.QueryEvents(callCtx, since, now)
	if err != nil {
		metrics.TickErrors.Inc()
		m.logger.Warn().Err(err).Msg("Event query failed")
		return nil
	}
	m.lastQuery = now
	return events
}

// foreground returns the foreground app. known is false when the source
// failed, in which case the reconciler leaves the open app unchanged.
func (m *Monitor) foreground(ctx context.Context) (app category.AppID, known bool) {
	if m.deps.Foreground == nil {
		return "", false
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	app, ok, err := m.deps.Foreground.ForegroundApp(callCtx)
	if err != nil {
		metrics.TickErrors.Inc()
		m.logger.Warn().Err(err).Msg("Foreground query failed")
		return "", false
	}
	if !ok {
		return "", true
	}
	return app, true
}

func (m *Monitor) maybeFlush(ctx context.Context, now time.Time) {
	if now.Sub(m.lastFlush) < m.cfg.FlushInterval {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := m.deps.Reconciler.Flush(callCtx); err != nil {
		metrics.TickErrors.Inc()
		m.logger.Warn().Err(err).Msg("Failed to save usage, will retry")
		return
	}
	m.lastFlush = now
}

func (m *Monitor) usage() map[category.Category]float64 {
	out := make(map[category.Category]float64, len(category.All))
	for _, c := range category.All {
		out[c] = m.deps.Reconciler.DailyMinutes(c)
	}
	return out
}

func (m *Monitor) emit(ctx context.Context, e notify.Event) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := m.deps.Notifier.Notify(callCtx, e); err != nil {
		m.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("Failed to emit event")
	}
}

// Status returns the state observed by the last tick, or nil before the
// first tick.
func (m *Monitor) Status() *Status {
	return m.status.Load()
}

// TakeSnapshot returns the usage context an answer about c refers to. An
// unanswered feedback request is consumed so the close of the app does not
// record it a second time. Without one, the last observed state is used.
func (m *Monitor) TakeSnapshot(c category.Category) (feedback.Snapshot, bool) {
	m.pendingMu.Lock()
	snap, ok := m.pending[c]
	delete(m.pending, c)
	m.pendingMu.Unlock()
	if ok {
		return snap, true
	}

	st := m.status.Load()
	if st == nil {
		return feedback.Snapshot{}, false
	}
	snap = feedback.Snapshot{
		Category:     c,
		DailyMinutes: st.DailyMinutes[c],
		Hour:         st.Time.Hour(),
		At:           st.Time,
	}
	if st.Category != nil && *st.Category == c {
		snap.SessionMinutes = st.SessionMinutes
	}
	return snap, true
}
