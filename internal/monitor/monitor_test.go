package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/feedback"
	"github.com/goodtune/klimit/internal/notify"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/goodtune/klimit/internal/storage/bolt"
	"github.com/goodtune/klimit/internal/usage"
	"github.com/goodtune/klimit/internal/violation"
	"github.com/rs/zerolog"
)

type fakeSource struct {
	mu  sync.Mutex
	app category.AppID
	err error
}

func (f *fakeSource) set(app category.AppID) {
	f.mu.Lock()
	f.app = app
	f.mu.Unlock()
}

func (f *fakeSource) ForegroundApp(context.Context) (category.AppID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	return f.app, f.app != "", nil
}

func (f *fakeSource) QueryEvents(context.Context, time.Time, time.Time) ([]usage.RawEvent, error) {
	return nil, nil
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	monitor *Monitor
	clock   *policy.TestClock
	source  *fakeSource
	events  *recorder
	store   *bolt.Store
}

func newHarness(t *testing.T, start time.Time, limits policy.Limits, mode policy.Mode, milestones []float64) *harness {
	t.Helper()
	logger := zerolog.Nop()

	store, err := bolt.Open(t.TempDir() + "/klimit.db")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	categorizer, err := category.NewStaticCategorizer(map[string]string{
		"com.game":  "games",
		"com.notes": "other",
	})
	if err != nil {
		t.Fatalf("Failed to build categorizer: %v", err)
	}

	clock := &policy.TestClock{CurrentTime: start}
	reconciler := usage.NewEventReconciler(categorizer, store.Ledgers(), usage.ReconcilerConfig{}, start, logger)
	session := usage.NewSessionClock(usage.SessionConfig{}, reconciler, logger)
	violations, err := violation.NewStateMachine(violation.Config{Tiers: []time.Duration{30 * time.Second}}, session, reconciler, logger)
	if err != nil {
		t.Fatalf("Failed to build state machine: %v", err)
	}
	table := policy.NewLimitTable(map[category.Category]policy.Limits{category.Games: limits}, category.NewPools(nil))
	engine := policy.NewEngine(policy.Config{Peak: policy.DefaultPeakWindow, Mode: mode, Milestones: milestones}, table, nil, nil, nil, logger)
	pipeline := feedback.NewPipeline(feedback.Config{}, store, nil, logger)

	src := &fakeSource{app: "com.game"}
	events := &recorder{}
	m := New(Config{}, Deps{
		Clock:       clock,
		Events:      src,
		Foreground:  src,
		Categorizer: categorizer,
		Reconciler:  reconciler,
		Session:     session,
		Violations:  violations,
		Engine:      engine,
		Feedback:    pipeline,
		Notifier:    events,
	}, logger)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return &harness{monitor: m, clock: clock, source: src, events: events, store: store}
}

// step advances the clock one second per tick.
func (h *harness) step(n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		h.monitor.TryTick(context.Background())
	}
}

func TestSessionLockAndCooldown(t *testing.T) {
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	h := newHarness(t, start, policy.Limits{DailyMinutes: 100, SessionMinutes: 1}, policy.Mode{RuleBased: true}, nil)

	h.step(60)
	if got := h.events.types(); len(got) != 0 {
		t.Fatalf("Expected no events before the session limit, got %v", got)
	}

	h.step(1)
	got := h.events.types()
	if len(got) != 1 || got[0] != notify.EventLockTriggered {
		t.Fatalf("Expected one lock event, got %v", got)
	}
	lock := h.events.events[0]
	if *lock.LimitType != category.LimitSession || lock.CooldownSeconds != 30 || lock.UntilMidnight {
		t.Errorf("Expected 30s session cooldown, got %+v", lock)
	}
	if lock.AppLabel != "com.game" {
		t.Errorf("Expected app label com.game, got %q", lock.AppLabel)
	}

	st := h.monitor.Status()
	if st == nil || !st.Cooldown.Active(h.clock.Now()) {
		t.Fatalf("Expected active cooldown in status, got %+v", st)
	}

	// No further decisions while locked.
	h.step(29)
	if got := h.events.types(); len(got) != 1 {
		t.Fatalf("Expected no events during cooldown, got %v", got)
	}

	h.step(1)
	got = h.events.types()
	if len(got) != 2 || got[1] != notify.EventLockCleared {
		t.Fatalf("Expected lock cleared after cooldown, got %v", got)
	}
}

func TestDailyLockClearedAtMidnight(t *testing.T) {
	start := time.Date(2026, 3, 14, 23, 58, 0, 0, time.Local)
	h := newHarness(t, start, policy.Limits{DailyMinutes: 1, SessionMinutes: 100}, policy.Mode{RuleBased: true}, nil)

	h.step(61)
	got := h.events.types()
	if len(got) != 1 || got[0] != notify.EventLockTriggered {
		t.Fatalf("Expected daily lock, got %v", got)
	}
	if !h.events.events[0].UntilMidnight {
		t.Errorf("Expected lock until midnight, got %+v", h.events.events[0])
	}

	// A daily lock does not expire on its own.
	h.step(30)
	if got := h.events.types(); len(got) != 1 {
		t.Fatalf("Expected no events before midnight, got %v", got)
	}

	h.clock.Set(time.Date(2026, 3, 15, 0, 0, 1, 0, time.Local))
	h.monitor.TryTick(context.Background())
	got = h.events.types()
	if len(got) != 2 || got[1] != notify.EventLockCleared {
		t.Fatalf("Expected lock cleared at midnight, got %v", got)
	}
	if h.events.events[1].Reason != "midnight" {
		t.Errorf("Expected reason midnight, got %q", h.events.events[1].Reason)
	}

	ledger, err := h.store.Ledgers().LoadLedger(context.Background(), "2026-03-14")
	if err != nil {
		t.Fatalf("Expected previous day to be saved: %v", err)
	}
	if ledger.Category(category.Games).AccumulatedSeconds < 60 {
		t.Errorf("Expected at least 60s of games, got %d", ledger.Category(category.Games).AccumulatedSeconds)
	}
}

func TestOverlappingTickSkipped(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local), policy.Limits{DailyMinutes: 100, SessionMinutes: 100}, policy.Mode{RuleBased: true}, nil)

	h.monitor.running.Store(true)
	if h.monitor.TryTick(context.Background()) {
		t.Error("Expected tick to be skipped while another is running")
	}
	h.monitor.running.Store(false)
	if !h.monitor.TryTick(context.Background()) {
		t.Error("Expected tick to run")
	}
}

func TestForegroundErrorKeepsRunning(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local), policy.Limits{DailyMinutes: 100, SessionMinutes: 100}, policy.Mode{RuleBased: true}, nil)

	h.step(10)
	h.source.mu.Lock()
	h.source.err = errors.New("usage service unavailable")
	h.source.mu.Unlock()
	h.step(5)

	st := h.monitor.Status()
	if st == nil {
		t.Fatal("Expected status after failed ticks")
	}
	if st.Category != nil {
		t.Errorf("Expected no category without a foreground app, got %v", *st.Category)
	}
	if st.DailyMinutes[category.Games] <= 0 {
		t.Errorf("Expected usage to be kept, got %v", st.DailyMinutes)
	}
}

func TestPassiveFeedbackOnLeavingCategory(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local), policy.Limits{DailyMinutes: 100, SessionMinutes: 100}, policy.Mode{Learning: true}, []float64{1})

	h.step(61)
	got := h.events.types()
	if len(got) != 1 || got[0] != notify.EventFeedbackRequested {
		t.Fatalf("Expected a feedback request, got %v", got)
	}

	h.source.set("com.notes")
	h.step(1)

	samples, err := h.store.Training().ListSamples(context.Background())
	if err != nil {
		t.Fatalf("ListSamples failed: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("Expected 1 passive sample, got %d", len(samples))
	}
	s := samples[0]
	if s.Source != storage.SourcePassive || s.Label || s.Category != category.Games {
		t.Errorf("Expected satisfied passive games sample, got %+v", s)
	}

	// Coming back does not record again.
	h.source.set("com.game")
	h.step(1)
	h.source.set("com.notes")
	h.step(1)
	if n, _ := h.store.Training().CountSamples(context.Background()); n != 1 {
		t.Errorf("Expected a single sample, got %d", n)
	}
}

func TestTakeSnapshotConsumesPendingRequest(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local), policy.Limits{DailyMinutes: 100, SessionMinutes: 100}, policy.Mode{Learning: true}, []float64{1})

	if _, ok := h.monitor.TakeSnapshot(category.Games); ok {
		t.Fatal("Expected no snapshot before the first tick")
	}

	h.step(61)
	snap, ok := h.monitor.TakeSnapshot(category.Games)
	if !ok {
		t.Fatal("Expected a pending snapshot")
	}
	if snap.Category != category.Games || snap.DailyMinutes < 1 {
		t.Errorf("Expected games snapshot past the milestone, got %+v", snap)
	}

	// The answered request is not recorded again when the app is left.
	h.source.set("com.notes")
	h.step(1)
	if n, _ := h.store.Training().CountSamples(context.Background()); n != 0 {
		t.Errorf("Expected no passive sample, got %d", n)
	}

	// Without a pending request the last observed state is used.
	snap, ok = h.monitor.TakeSnapshot(category.Games)
	if !ok || snap.SessionMinutes != 0 || snap.DailyMinutes < 1 {
		t.Errorf("Expected snapshot from last status, got %+v %v", snap, ok)
	}
}
