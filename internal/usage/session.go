package usage

import (
	"sort"
	"sync"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/rs/zerolog"
)

const (
	// DefaultInactivityThreshold is the gap after which a session is finished
	DefaultInactivityThreshold = 5 * time.Minute

	// DefaultMinTick and DefaultMaxTick bound a gap that counts as activity
	DefaultMinTick = 50 * time.Millisecond
	DefaultMaxTick = 2 * time.Second
)

// SessionConfig holds session clock configuration
type SessionConfig struct {
	InactivityThreshold time.Duration
	MinTick             time.Duration
	MaxTick             time.Duration
}

// SessionState is one continuous span of monitored activity.
type SessionState struct {
	StartTime           time.Time
	LastActivityTime    time.Time
	AccumulatedActiveMS int64
}

// Active reports whether a session has started.
func (s SessionState) Active() bool {
	return !s.StartTime.IsZero()
}

// Minutes returns the accumulated active time in minutes.
func (s SessionState) Minutes() float64 {
	return float64(s.AccumulatedActiveMS) / 60000
}

// SessionRecorder receives finished sessions.
type SessionRecorder interface {
	RecordSession(categories []category.Category, d time.Duration)
}

// SessionClock tracks one cross-app session over all monitored categories.
type SessionClock struct {
	cfg      SessionConfig
	recorder SessionRecorder
	logger   zerolog.Logger

	mu         sync.Mutex
	state      SessionState
	categories map[category.Category]struct{}

	cacheMu  sync.RWMutex
	cached   float64
	cachedAt time.Time
}

// NewSessionClock creates a session clock. recorder may be nil.
func NewSessionClock(cfg SessionConfig, recorder SessionRecorder, logger zerolog.Logger) *SessionClock {
	if cfg.InactivityThreshold == 0 {
		cfg.InactivityThreshold = DefaultInactivityThreshold
	}
	if cfg.MinTick == 0 {
		cfg.MinTick = DefaultMinTick
	}
	if cfg.MaxTick == 0 {
		cfg.MaxTick = DefaultMaxTick
	}
	return &SessionClock{
		cfg:        cfg,
		recorder:   recorder,
		logger:     logger.With().Str("component", "session-clock").Logger(),
		categories: make(map[category.Category]struct{}),
	}
}

// Tick observes the foreground category at now and returns the session
// length in minutes.
func (s *SessionClock) Tick(c *category.Category, now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Active() && now.Sub(s.state.LastActivityTime) >= s.cfg.InactivityThreshold {
		s.finishLocked(now)
	}

	if c == nil || !c.IsMonitored() {
		return s.publishLocked(now)
	}

	if !s.state.Active() {
		s.state = SessionState{StartTime: now, LastActivityTime: now}
		s.categories[*c] = struct{}{}
		s.logger.Debug().Str("category", c.String()).Time("start", now).Msg("Session started")
		return s.publishLocked(now)
	}

	gap := now.Sub(s.state.LastActivityTime)
	switch {
	case gap < s.cfg.MinTick:
		// Duplicate call
	case gap > s.cfg.MaxTick:
		// Polled after a silent gap; restart the open window without credit
		s.state.LastActivityTime = now
	default:
		s.state.AccumulatedActiveMS += gap.Milliseconds()
		s.state.LastActivityTime = now
		s.categories[*c] = struct{}{}
	}
	return s.publishLocked(now)
}

// finishLocked logs the session and reports it, then clears all state.
func (s *SessionClock) finishLocked(now time.Time) {
	d := time.Duration(s.state.AccumulatedActiveMS) * time.Millisecond
	cats := make([]category.Category, 0, len(s.categories))
	for c := range s.categories {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	s.logger.Info().
		Time("start", s.state.StartTime).
		Time("last_activity", s.state.LastActivityTime).
		Dur("active", d).
		Msg("Session finished")

	if s.recorder != nil && d > 0 {
		s.recorder.RecordSession(cats, d)
	}
	s.state = SessionState{}
	s.categories = make(map[category.Category]struct{})
}

// Reset ends the current session immediately.
func (s *SessionClock) Reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Active() {
		s.finishLocked(now)
	}
	s.publishLocked(now)
}

// State returns a copy of the current session state.
func (s *SessionClock) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SessionClock) publishLocked(now time.Time) float64 {
	minutes := s.state.Minutes()
	s.publish(minutes, now)
	return minutes
}

// publish updates the cached value unless a newer one was already written.
func (s *SessionClock) publish(minutes float64, at time.Time) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if at.Before(s.cachedAt) {
		return
	}
	s.cached = minutes
	s.cachedAt = at
}

// CurrentSessionMinutes returns the last published session length.
func (s *SessionClock) CurrentSessionMinutes() float64 {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cached
}
