package notify

import (
	"time"

	"github.com/goodtune/klimit/internal/category"
)

// EventType identifies an outgoing event.
type EventType string

const (
	EventLockTriggered     EventType = "lock_triggered"
	EventLockCleared       EventType = "lock_cleared"
	EventFeedbackRequested EventType = "feedback_requested"
	EventThresholdAdjusted EventType = "threshold_adjusted"
)

// Event is published to UI and notification collaborators. Only the fields
// relevant to Type are set.
type Event struct {
	Type     EventType         `json:"type"`
	Time     time.Time         `json:"time"`
	Category category.Category `json:"category"`

	// LockTriggered
	Reason          string              `json:"reason,omitempty"`
	LimitType       *category.LimitType `json:"limit_type,omitempty"`
	CooldownSeconds int64               `json:"cooldown_seconds,omitempty"`
	UntilMidnight   bool                `json:"until_midnight,omitempty"`
	AppLabel        string              `json:"app_label,omitempty"`

	// FeedbackRequested
	Milestone      float64 `json:"milestone_minutes,omitempty"`
	DailyMinutes   float64 `json:"daily_minutes,omitempty"`
	SessionMinutes float64 `json:"session_minutes,omitempty"`

	// ThresholdAdjusted
	OldLimit float64 `json:"old_limit_minutes,omitempty"`
	NewLimit float64 `json:"new_limit_minutes,omitempty"`
}

// LockTriggered builds a lock event. A zero cooldown means the category is
// locked until midnight.
func LockTriggered(now time.Time, c category.Category, lt category.LimitType, reason string, cooldown time.Duration, appLabel string) Event {
	return Event{
		Type:            EventLockTriggered,
		Time:            now,
		Category:        c,
		Reason:          reason,
		LimitType:       &lt,
		CooldownSeconds: int64(cooldown / time.Second),
		UntilMidnight:   cooldown == 0,
		AppLabel:        appLabel,
	}
}

// LockCleared builds the event sent when a lock ends.
func LockCleared(now time.Time, c category.Category, reason string) Event {
	return Event{Type: EventLockCleared, Time: now, Category: c, Reason: reason}
}

// FeedbackRequested asks the UI to prompt the user about current usage.
func FeedbackRequested(now time.Time, c category.Category, milestone, daily, session float64) Event {
	return Event{
		Type:           EventFeedbackRequested,
		Time:           now,
		Category:       c,
		Milestone:      milestone,
		DailyMinutes:   daily,
		SessionMinutes: session,
	}
}

// ThresholdAdjusted reports a tuned daily limit.
func ThresholdAdjusted(now time.Time, c category.Category, oldLimit, newLimit float64) Event {
	return Event{
		Type:     EventThresholdAdjusted,
		Time:     now,
		Category: c,
		OldLimit: oldLimit,
		NewLimit: newLimit,
	}
}
