package usage

import (
	"fmt"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/storage"
)

// EventType distinguishes foreground (open) from background (close) events.
type EventType int

const (
	EventOpen EventType = iota + 1
	EventClose
)

// String returns the event type as it appears in event streams.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "OPEN"
	case EventClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// ParseEventType parses OPEN/CLOSE (case-sensitive upper, or lower).
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "OPEN", "open":
		return EventOpen, nil
	case "CLOSE", "close":
		return EventClose, nil
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// RawEvent is a single foreground/background observation from the OS.
type RawEvent struct {
	App       category.AppID
	Type      EventType
	Timestamp time.Time
}

type eventID struct {
	app category.AppID
	ts  int64
}

func (e RawEvent) id() eventID {
	return eventID{app: e.App, ts: e.Timestamp.UnixNano()}
}

// UsageDelta is what a single Reconcile call added to the ledger.
type UsageDelta struct {
	Date       string
	Apps       map[category.AppID]time.Duration
	Categories map[category.Category]time.Duration
	Unlocks    map[category.Category]uint32
	Discarded  int
}

func newDelta(date string) UsageDelta {
	return UsageDelta{
		Date:       date,
		Apps:       make(map[category.AppID]time.Duration),
		Categories: make(map[category.Category]time.Duration),
		Unlocks:    make(map[category.Category]uint32),
	}
}

// Empty reports whether nothing was credited.
func (d UsageDelta) Empty() bool {
	return len(d.Apps) == 0 && len(d.Unlocks) == 0
}

// Total returns the time credited across all apps.
func (d UsageDelta) Total() time.Duration {
	var total time.Duration
	for _, v := range d.Apps {
		total += v
	}
	return total
}

// DayKey returns the ledger date key of t in its own location.
func DayKey(t time.Time) string {
	return t.Format(storage.DateFormat)
}

// StartOfDay returns local midnight of t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
