package violation

import (
	"testing"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/rs/zerolog"
)

type fakeSession struct{ resets int }

func (f *fakeSession) Reset(time.Time) { f.resets++ }

type fakeUnlocks map[category.Category]uint32

func (f fakeUnlocks) UnlockCount(c category.Category) uint32 { return f[c] }

var now = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, tiers ...time.Duration) (*StateMachine, *fakeSession, fakeUnlocks) {
	t.Helper()
	session := &fakeSession{}
	unlocks := fakeUnlocks{}
	m, err := NewStateMachine(Config{Tiers: tiers}, session, unlocks, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStateMachine failed: %v", err)
	}
	return m, session, unlocks
}

func TestCooldownSecondsTierLookup(t *testing.T) {
	m, _, _ := newMachine(t, 5*time.Second, 10*time.Second)

	m.RecordViolation(category.LimitSession, now)
	m.RecordViolation(category.LimitSession, now)

	if got := m.CooldownSeconds(category.LimitSession); got != 10 {
		t.Errorf("Expected 10 seconds, got %d", got)
	}
}

func TestCooldownMonotonic(t *testing.T) {
	m, _, _ := newMachine(t, DefaultTiers...)

	for _, lt := range []category.LimitType{category.LimitSession, category.LimitUnlock} {
		prev := m.CooldownSeconds(lt)
		for i := 0; i < 10; i++ {
			m.RecordViolation(lt, now)
			got := m.CooldownSeconds(lt)
			if got < prev {
				t.Fatalf("%s: cooldown decreased from %d to %d", lt, prev, got)
			}
			if again := m.CooldownSeconds(lt); again != got {
				t.Fatalf("%s: cooldown changed for a fixed count", lt)
			}
			prev = got
		}
		if prev != int(DefaultTiers[len(DefaultTiers)-1]/time.Second) {
			t.Errorf("%s: expected ceiling tier, got %d", lt, prev)
		}
	}
}

func TestNewStateMachineRejectsDecreasingTiers(t *testing.T) {
	if _, err := NewStateMachine(Config{Tiers: []time.Duration{time.Minute, time.Second}}, nil, nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for decreasing tiers")
	}
}

func TestDailyViolationNotRecorded(t *testing.T) {
	m, _, _ := newMachine(t)

	m.RecordViolation(category.LimitDaily, now)
	if m.Count(category.LimitDaily) != 0 {
		t.Error("Daily violations must not be counted")
	}
}

func TestLockSideEffects(t *testing.T) {
	tests := []struct {
		name        string
		limit       category.LimitType
		wantResets  int
		wantUnlocks uint32
		wantKind    CooldownKind
	}{
		{"session resets accumulator", category.LimitSession, 1, 7, CooldownTimed},
		{"unlock rebases counter", category.LimitUnlock, 0, 0, CooldownTimed},
		{"daily clears nothing", category.LimitDaily, 0, 7, CooldownDailyLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, session, unlocks := newMachine(t, time.Minute, 2*time.Minute)
			unlocks[category.Social] = 7

			state := m.Lock(tt.limit, category.Social, "chat", now)

			if state.Kind != tt.wantKind {
				t.Errorf("Expected %v, got %v", tt.wantKind, state.Kind)
			}
			if session.resets != tt.wantResets {
				t.Errorf("Expected %d session resets, got %d", tt.wantResets, session.resets)
			}
			if got := m.EffectiveUnlocks(category.Social, 7); got != tt.wantUnlocks {
				t.Errorf("Expected %d effective unlocks, got %d", tt.wantUnlocks, got)
			}
		})
	}
}

func TestLockEscalates(t *testing.T) {
	m, _, _ := newMachine(t, time.Minute, 2*time.Minute)

	first := m.Lock(category.LimitSession, category.Games, "chess", now)
	if first.EndsAt != now.Add(time.Minute) {
		t.Errorf("Expected first cooldown of 1m, ends %v", first.EndsAt)
	}

	later := now.Add(2 * time.Minute)
	if _, ok := m.Expire(later); !ok {
		t.Fatal("Expected cooldown to expire")
	}
	second := m.Lock(category.LimitSession, category.Games, "chess", later)
	if second.EndsAt != later.Add(2*time.Minute) {
		t.Errorf("Expected second cooldown of 2m, ends %v", second.EndsAt)
	}
}

func TestDailyLockWins(t *testing.T) {
	m, _, _ := newMachine(t)

	m.Lock(category.LimitDaily, category.Games, "chess", now)
	state := m.Lock(category.LimitSession, category.Games, "chess", now)

	if state.Kind != CooldownDailyLocked {
		t.Errorf("Expected daily lock to take precedence, got %v", state.Kind)
	}
	if _, ok := m.Expire(now.Add(24 * time.Hour)); ok {
		t.Error("Daily lock must not expire on a timer")
	}
	if !m.Current(now.Add(time.Hour)).Active(now.Add(time.Hour)) {
		t.Error("Expected daily lock to stay active")
	}

	cleared, ok := m.Rollover()
	if !ok || cleared.Kind != CooldownDailyLocked {
		t.Errorf("Expected rollover to clear daily lock, got %+v %v", cleared, ok)
	}
	if m.DailyLocked() {
		t.Error("Expected daily lock cleared")
	}
}

func TestDecay(t *testing.T) {
	m, _, _ := newMachine(t)

	for i := 0; i < 3; i++ {
		m.RecordViolation(category.LimitSession, now)
	}

	m.Decay(now.Add(29 * time.Minute))
	if got := m.Count(category.LimitSession); got != 3 {
		t.Errorf("Expected no decay inside grace window, got %d", got)
	}

	m.Decay(now.Add(31 * time.Minute))
	if got := m.Count(category.LimitSession); got != 2 {
		t.Errorf("Expected one decay, got %d", got)
	}

	m.Decay(now.Add(95 * time.Minute))
	if got := m.Count(category.LimitSession); got != 0 {
		t.Errorf("Expected full decay, got %d", got)
	}
}

func TestCooldownStateRemaining(t *testing.T) {
	state := CooldownState{Kind: CooldownTimed, EndsAt: now.Add(time.Minute)}

	if state.Remaining(now) != time.Minute {
		t.Errorf("Expected 1m remaining, got %v", state.Remaining(now))
	}
	if state.Active(now.Add(time.Minute)) {
		t.Error("Expected cooldown inactive at its end")
	}
	if (CooldownState{}).Active(now) {
		t.Error("Expected empty state inactive")
	}
}
