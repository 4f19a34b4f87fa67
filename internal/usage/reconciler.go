package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/metrics"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxSession is the longest span credited in one piece; anything
	// longer without a close is treated as corrupt.
	DefaultMaxSession = 2 * time.Hour

	// DefaultClockSkew is how far in the future an event timestamp may be.
	DefaultClockSkew = time.Minute
)

// Discard reasons, used as metric labels.
const (
	discardTimestamp = "timestamp"
	discardStale     = "stale"
	discardNegative  = "negative_delta"
	discardCorrupt   = "corrupt_session"
)

// ReconcilerConfig holds reconciler configuration
type ReconcilerConfig struct {
	MaxSession time.Duration
	ClockSkew  time.Duration
}

type openSession struct {
	app      category.AppID
	openedAt time.Time
	since    time.Time // credited up to here
}

// EventReconciler turns a noisy event stream into per-app and per-category
// daily totals. It owns the current day's ledger; everyone else reads copies.
type EventReconciler struct {
	categorizer category.Categorizer
	ledgers     storage.LedgerStore
	cfg         ReconcilerConfig
	logger      zerolog.Logger

	mu             sync.Mutex
	ledger         *storage.DayLedger
	pending        []storage.DayLedger // finished days awaiting a save
	seen           map[eventID]struct{}
	carry          map[category.AppID]time.Duration
	open           *openSession
	lastReconciled time.Time
	dirty          bool
}

// NewEventReconciler creates a reconciler for the day containing now.
func NewEventReconciler(categorizer category.Categorizer, ledgers storage.LedgerStore, cfg ReconcilerConfig, now time.Time, logger zerolog.Logger) *EventReconciler {
	if cfg.MaxSession == 0 {
		cfg.MaxSession = DefaultMaxSession
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	return &EventReconciler{
		categorizer: categorizer,
		ledgers:     ledgers,
		cfg:         cfg,
		logger:      logger.With().Str("component", "reconciler").Logger(),
		ledger:      storage.NewDayLedger(DayKey(now)),
		seen:        make(map[eventID]struct{}),
		carry:       make(map[category.AppID]time.Duration),
	}
}

// Load restores today's ledger from storage, if one was saved earlier.
func (r *EventReconciler) Load(ctx context.Context) error {
	r.mu.Lock()
	date := r.ledger.Date
	r.mu.Unlock()

	ledger, err := r.ledgers.LoadLedger(ctx, date)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load ledger %s: %w", date, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ledger.Date == ledger.Date {
		r.ledger = ledger
	}
	r.logger.Info().Str("date", date).Msg("Restored usage ledger")
	return nil
}

// Reconcile applies a batch of events plus the current foreground app.
// It never fails: bad events are discarded and logged.
func (r *EventReconciler) Reconcile(events []RawEvent, foreground *category.AppID, now time.Time) UsageDelta {
	r.mu.Lock()
	defer r.mu.Unlock()

	if DayKey(now) != r.ledger.Date {
		r.rolloverLocked(now)
	}
	delta := newDelta(r.ledger.Date)
	dayStart := StartOfDay(now)

	sorted := make([]RawEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	for _, ev := range sorted {
		if ev.Timestamp.IsZero() || ev.App == "" || ev.Timestamp.After(now.Add(r.cfg.ClockSkew)) {
			r.discard(&delta, discardTimestamp, ev.App, 0)
			continue
		}
		if ev.Timestamp.Before(dayStart) {
			r.discard(&delta, discardStale, ev.App, 0)
			continue
		}
		id := ev.id()
		if _, dup := r.seen[id]; dup {
			continue
		}
		r.seen[id] = struct{}{}

		switch ev.Type {
		case EventOpen:
			r.handleOpen(&delta, ev)
		case EventClose:
			r.handleClose(&delta, ev)
		default:
			r.discard(&delta, discardTimestamp, ev.App, 0)
		}
	}

	r.pollLocked(&delta, foreground, now)

	if now.After(r.lastReconciled) {
		r.lastReconciled = now
	}
	if !delta.Empty() {
		r.dirty = true
		r.ledger.UpdatedAt = now
	}
	return delta
}

func (r *EventReconciler) handleOpen(delta *UsageDelta, ev RawEvent) {
	if r.open != nil && r.open.app != ev.App {
		r.credit(delta, r.open.app, ev.Timestamp.Sub(r.open.since))
		r.open = nil
	}

	if r.open == nil {
		since := ev.Timestamp
		if r.lastReconciled.After(since) {
			since = r.lastReconciled
		}
		r.open = &openSession{app: ev.App, openedAt: ev.Timestamp, since: since}
	}

	c := r.categorizer.CategoryOf(ev.App)
	if c.IsMonitored() {
		r.ledger.App(ev.App, c).Unlocks++
		r.ledger.Category(c).UnlockCount++
		delta.Unlocks[c]++
	}
}

func (r *EventReconciler) handleClose(delta *UsageDelta, ev RawEvent) {
	if r.open == nil || r.open.app != ev.App {
		r.logger.Debug().Str("app", string(ev.App)).Msg("Close without matching open")
		return
	}
	start := r.open.since
	if r.lastReconciled.After(start) {
		start = r.lastReconciled
	}
	// A close that arrives late covers time already credited by polling.
	if ev.Timestamp.After(start) {
		r.credit(delta, ev.App, ev.Timestamp.Sub(start))
	}
	r.open = nil
}

// pollLocked credits the foreground app for time the event stream stayed
// silent about.
func (r *EventReconciler) pollLocked(delta *UsageDelta, foreground *category.AppID, now time.Time) {
	if foreground == nil || *foreground == "" {
		return
	}
	app := *foreground

	if r.open != nil && r.open.app == app {
		r.credit(delta, app, now.Sub(r.open.since))
		if now.After(r.open.since) {
			r.open.since = now
		}
		return
	}

	// The switch time is unknown, so the previous app is credited up to now.
	if r.open != nil {
		r.logger.Debug().
			Str("open_app", string(r.open.app)).
			Str("foreground", string(app)).
			Msg("Foreground changed without events")
		r.credit(delta, r.open.app, now.Sub(r.open.since))
	}
	since := now
	if r.lastReconciled.After(since) {
		since = r.lastReconciled
	}
	r.open = &openSession{app: app, openedAt: now, since: since}
}

func (r *EventReconciler) credit(delta *UsageDelta, app category.AppID, d time.Duration) {
	switch {
	case d == 0:
		return
	case d < 0:
		r.discard(delta, discardNegative, app, d)
		return
	case d >= r.cfg.MaxSession:
		r.discard(delta, discardCorrupt, app, d)
		return
	}

	c := r.categorizer.CategoryOf(app)
	delta.Apps[app] += d
	delta.Categories[c] += d

	// Ledgers hold whole seconds; keep the remainder for the next credit.
	total := r.carry[app] + d
	secs := uint64(total / time.Second)
	r.carry[app] = total % time.Second
	if secs == 0 {
		return
	}
	r.ledger.App(app, c).Seconds += secs
	r.ledger.Category(c).AccumulatedSeconds += secs
	metrics.UsageSecondsConsumed.WithLabelValues(c.String()).Add(float64(secs))
}

func (r *EventReconciler) discard(delta *UsageDelta, reason string, app category.AppID, d time.Duration) {
	delta.Discarded++
	metrics.EventsDiscarded.WithLabelValues(reason).Inc()
	r.logger.Warn().
		Str("reason", reason).
		Str("app", string(app)).
		Dur("delta", d).
		Msg("Discarded corrupt usage data")
}

// rolloverLocked starts a new day. The finished ledger is queued for saving.
func (r *EventReconciler) rolloverLocked(now time.Time) {
	r.logger.Info().
		Str("previous", r.ledger.Date).
		Str("date", DayKey(now)).
		Msg("Usage ledger rollover")

	if r.dirty {
		r.pending = append(r.pending, r.ledger.Clone())
	}
	r.ledger = storage.NewDayLedger(DayKey(now))
	r.seen = make(map[eventID]struct{})
	r.carry = make(map[category.AppID]time.Duration)
	r.dirty = false

	midnight := StartOfDay(now)
	if r.open != nil && r.open.since.Before(midnight) {
		r.open.since = midnight
	}
	if r.lastReconciled.Before(midnight) {
		r.lastReconciled = midnight
	}
}

// Rollover forces a day change if now is on a new date.
func (r *EventReconciler) Rollover(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if DayKey(now) == r.ledger.Date {
		return false
	}
	r.rolloverLocked(now)
	return true
}

// RecordSession raises the longest-session figure of each category that
// took part in a finished session.
func (r *EventReconciler) RecordSession(categories []category.Category, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	secs := uint64(d / time.Second)
	for _, c := range categories {
		l := r.ledger.Category(c)
		if secs > l.LongestSessionSeconds {
			l.LongestSessionSeconds = secs
			r.dirty = true
		}
	}
}

// Flush persists the ledger if anything changed. A failed save stays dirty
// and is retried on the next call.
func (r *EventReconciler) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	var current *storage.DayLedger
	if r.dirty {
		c := r.ledger.Clone()
		current = &c
		r.dirty = false
	}
	r.mu.Unlock()

	var failed []storage.DayLedger
	var firstErr error
	for _, l := range pending {
		if err := r.ledgers.SaveLedger(ctx, l); err != nil {
			failed = append(failed, l)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to save ledger %s: %w", l.Date, err)
			}
		}
	}
	if current != nil {
		if err := r.ledgers.SaveLedger(ctx, *current); err != nil {
			r.mu.Lock()
			if r.ledger.Date == current.Date {
				r.dirty = true
			} else {
				failed = append(failed, *current)
			}
			r.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to save ledger %s: %w", current.Date, err)
			}
		}
	}

	if len(failed) > 0 {
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
	}
	return firstErr
}

// Snapshot returns a copy of today's ledger.
func (r *EventReconciler) Snapshot() storage.DayLedger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Clone()
}

// DailyMinutes returns today's minutes for c.
func (r *EventReconciler) DailyMinutes(c category.Category) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.ledger.Categories[c]
	if !ok {
		return 0
	}
	return float64(l.AccumulatedSeconds) / 60
}

// UnlockCount returns today's unlock count for c.
func (r *EventReconciler) UnlockCount(c category.Category) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.ledger.Categories[c]
	if !ok {
		return 0
	}
	return l.UnlockCount
}

// Foreground returns the app currently considered open, if any.
func (r *EventReconciler) Foreground() (category.AppID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return "", false
	}
	return r.open.app, true
}
