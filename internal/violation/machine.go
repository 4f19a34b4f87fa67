package violation

import (
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultGraceWindow is the quiet period after which one violation is forgiven.
const DefaultGraceWindow = 30 * time.Minute

// DefaultTiers are the escalating cooldowns per repeat offense.
var DefaultTiers = []time.Duration{5 * time.Minute, 10 * time.Minute, 15 * time.Minute, 30 * time.Minute}

// Config holds state machine configuration
type Config struct {
	Tiers       []time.Duration
	GraceWindow time.Duration
}

// SessionResetter ends the running session.
type SessionResetter interface {
	Reset(now time.Time)
}

// UnlockCounter reports today's unlocks for a category.
type UnlockCounter interface {
	UnlockCount(c category.Category) uint32
}

// StateMachine owns violation counters and the current cooldown.
type StateMachine struct {
	cfg     Config
	session SessionResetter
	unlocks UnlockCounter
	logger  zerolog.Logger

	mu          sync.Mutex
	records     map[category.LimitType]*Record
	dailyLocked bool
	cooldown    CooldownState
	unlockBase  map[category.Category]uint32
}

// NewStateMachine creates a state machine. session and unlocks may be nil.
func NewStateMachine(cfg Config, session SessionResetter, unlocks UnlockCounter, logger zerolog.Logger) (*StateMachine, error) {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers
	}
	for i := 1; i < len(cfg.Tiers); i++ {
		if cfg.Tiers[i] < cfg.Tiers[i-1] {
			return nil, fmt.Errorf("cooldown tiers must be non-decreasing: %v", cfg.Tiers)
		}
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	return &StateMachine{
		cfg:        cfg,
		session:    session,
		unlocks:    unlocks,
		logger:     logger.With().Str("component", "violations").Logger(),
		records:    make(map[category.LimitType]*Record),
		unlockBase: make(map[category.Category]uint32),
	}, nil
}

// RecordViolation counts a session or unlock violation. Daily violations are
// tracked by the daily lock flag instead.
func (m *StateMachine) RecordViolation(lt category.LimitType, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(lt, now)
}

func (m *StateMachine) recordLocked(lt category.LimitType, now time.Time) {
	if lt == category.LimitDaily {
		return
	}
	r, ok := m.records[lt]
	if !ok {
		r = &Record{}
		m.records[lt] = r
	}
	r.Count++
	r.LastViolation = now
}

// CooldownSeconds returns the cooldown for the next violation of lt.
func (m *StateMachine) CooldownSeconds(lt category.LimitType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.cooldownLocked(lt) / time.Second)
}

func (m *StateMachine) cooldownLocked(lt category.LimitType) time.Duration {
	var count uint32
	if r, ok := m.records[lt]; ok {
		count = r.Count
	}
	idx := int(count)
	if idx > len(m.cfg.Tiers)-1 {
		idx = len(m.cfg.Tiers) - 1
	}
	return m.cfg.Tiers[idx]
}

// ApplySideEffects resets what a violation of lt consumes.
func (m *StateMachine) ApplySideEffects(lt category.LimitType, c category.Category, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(lt, c, now)
}

func (m *StateMachine) applyLocked(lt category.LimitType, c category.Category, now time.Time) {
	switch lt {
	case category.LimitSession:
		// Daily totals stay untouched; only the session restarts.
		if m.session != nil {
			m.session.Reset(now)
		}
	case category.LimitUnlock:
		if m.unlocks != nil {
			m.unlockBase[c] = m.unlocks.UnlockCount(c)
		}
	case category.LimitDaily:
	}
}

// Lock records a violation, picks its cooldown and applies side effects.
// A daily lock always wins over a timed cooldown.
func (m *StateMachine) Lock(lt category.LimitType, c category.Category, appLabel string, now time.Time) CooldownState {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics.ViolationsTotal.WithLabelValues(c.String(), lt.String()).Inc()

	if lt == category.LimitDaily {
		m.dailyLocked = true
		m.cooldown = CooldownState{Kind: CooldownDailyLocked, Reason: lt, Category: c, AppLabel: appLabel}
		m.logger.Info().
			Str("category", c.String()).
			Msg("Daily limit reached, locked until midnight")
		return m.cooldown
	}

	if m.dailyLocked {
		return m.cooldown
	}

	d := m.cooldownLocked(lt)
	m.recordLocked(lt, now)
	m.applyLocked(lt, c, now)
	m.cooldown = CooldownState{
		Kind:     CooldownTimed,
		Reason:   lt,
		Category: c,
		EndsAt:   now.Add(d),
		AppLabel: appLabel,
	}

	m.logger.Info().
		Str("limit_type", lt.String()).
		Str("category", c.String()).
		Uint32("violations", m.records[lt].Count).
		Dur("cooldown", d).
		Msg("Cooldown started")

	return m.cooldown
}

// Decay forgives one violation per grace window without a new one.
func (m *StateMachine) Decay(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for lt, r := range m.records {
		if r.Count == 0 {
			continue
		}
		windows := now.Sub(r.LastViolation) / m.cfg.GraceWindow
		if windows < 1 {
			continue
		}
		forgiven := uint32(windows)
		if forgiven > r.Count {
			forgiven = r.Count
		}
		r.Count -= forgiven
		r.LastViolation = r.LastViolation.Add(time.Duration(windows) * m.cfg.GraceWindow)

		m.logger.Debug().
			Str("limit_type", lt.String()).
			Uint32("forgiven", forgiven).
			Uint32("violations", r.Count).
			Msg("Violation count decayed")
	}
}

// Expire clears an elapsed timed cooldown and reports whether it did.
func (m *StateMachine) Expire(now time.Time) (CooldownState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cooldown.Kind != CooldownTimed || now.Before(m.cooldown.EndsAt) {
		return CooldownState{}, false
	}
	cleared := m.cooldown
	m.cooldown = CooldownState{}
	return cleared, true
}

// Rollover clears the daily lock and all counters for a new day. A timed
// cooldown running across midnight is left to expire on its own.
func (m *StateMachine) Rollover() (CooldownState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[category.LimitType]*Record)
	m.unlockBase = make(map[category.Category]uint32)

	if !m.dailyLocked {
		return CooldownState{}, false
	}
	m.dailyLocked = false
	cleared := m.cooldown
	m.cooldown = CooldownState{}
	return cleared, true
}

// Current returns the cooldown in force at now.
func (m *StateMachine) Current(now time.Time) CooldownState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cooldown.Active(now) {
		return CooldownState{}
	}
	return m.cooldown
}

// DailyLocked reports whether the day is locked until midnight.
func (m *StateMachine) DailyLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyLocked
}

// Count returns today's violation count for lt.
func (m *StateMachine) Count(lt category.LimitType) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[lt]; ok {
		return r.Count
	}
	return 0
}

// EffectiveUnlocks returns unlocks since the last unlock violation.
func (m *StateMachine) EffectiveUnlocks(c category.Category, total uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.unlockBase[c]
	if base > total {
		return 0
	}
	return total - base
}

// Records returns a copy of the counters, for status reporting.
func (m *StateMachine) Records() map[category.LimitType]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[category.LimitType]Record, len(m.records))
	for lt, r := range m.records {
		out[lt] = *r
	}
	return out
}
