package violation

import (
	"fmt"
	"time"

	"github.com/goodtune/klimit/internal/category"
)

// CooldownKind tags the CooldownState union.
type CooldownKind int

const (
	CooldownNone CooldownKind = iota
	CooldownTimed
	CooldownDailyLocked
)

func (k CooldownKind) String() string {
	switch k {
	case CooldownNone:
		return "none"
	case CooldownTimed:
		return "timed"
	case CooldownDailyLocked:
		return "daily_locked"
	default:
		return fmt.Sprintf("CooldownKind(%d)", int(k))
	}
}

// CooldownState is the single lock currently in force, if any.
type CooldownState struct {
	Kind     CooldownKind       `json:"kind"`
	Reason   category.LimitType `json:"reason"`
	Category category.Category  `json:"category"`
	EndsAt   time.Time          `json:"ends_at,omitempty"` // zero for daily locks
	AppLabel string             `json:"app_label,omitempty"`
}

// Active reports whether the state still blocks at now.
func (c CooldownState) Active(now time.Time) bool {
	switch c.Kind {
	case CooldownDailyLocked:
		return true
	case CooldownTimed:
		return now.Before(c.EndsAt)
	default:
		return false
	}
}

// Remaining returns the time left on a timed cooldown.
func (c CooldownState) Remaining(now time.Time) time.Duration {
	if c.Kind != CooldownTimed || !now.Before(c.EndsAt) {
		return 0
	}
	return c.EndsAt.Sub(now)
}

// Record counts the violations of one limit type today.
type Record struct {
	Count         uint32    `json:"count"`
	LastViolation time.Time `json:"last_violation"`
}
