package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/usage"
)

// Record is one line of a replay file, e.g.
//
//	{"ts":"2026-03-01T19:02:11Z","app":"com.example.chat","type":"open"}
type Record struct {
	Time time.Time `json:"ts"`
	App  string    `json:"app"`
	Type string    `json:"type"`
}

// Replay serves a recorded event stream against a clock, acting as both the
// event source and the foreground source.
type Replay struct {
	events []usage.RawEvent
	clock  policy.Clock
}

// LoadReplay reads JSON lines. Blank lines and lines starting with # are
// skipped.
func LoadReplay(r io.Reader, clock policy.Clock) (*Replay, error) {
	var events []usage.RawEvent
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ev, err := parseRecord(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay: %w", err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return &Replay{events: events, clock: clock}, nil
}

func parseRecord(text string) (usage.RawEvent, error) {
	var rec Record
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return usage.RawEvent{}, err
	}
	typ, err := usage.ParseEventType(rec.Type)
	if err != nil {
		return usage.RawEvent{}, err
	}
	return usage.RawEvent{
		App:       category.AppID(rec.App),
		Type:      typ,
		Timestamp: rec.Time,
	}, nil
}

// Len returns the number of events.
func (r *Replay) Len() int {
	return len(r.events)
}

// Span returns the first and last event times.
func (r *Replay) Span() (first, last time.Time) {
	if len(r.events) == 0 {
		return time.Time{}, time.Time{}
	}
	return r.events[0].Timestamp, r.events[len(r.events)-1].Timestamp
}

// QueryEvents implements EventSource.
func (r *Replay) QueryEvents(ctx context.Context, since, until time.Time) ([]usage.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lo := sort.Search(len(r.events), func(i int) bool { return r.events[i].Timestamp.After(since) })
	hi := sort.Search(len(r.events), func(i int) bool { return r.events[i].Timestamp.After(until) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]usage.RawEvent, hi-lo)
	copy(out, r.events[lo:hi])
	return out, nil
}

// ForegroundApp implements ForegroundSource: the app of the latest OPEN up
// to the clock's now that has not been closed since.
func (r *Replay) ForegroundApp(ctx context.Context) (category.AppID, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	now := r.clock.Now()
	var current category.AppID
	for _, ev := range r.events {
		if ev.Timestamp.After(now) {
			break
		}
		switch ev.Type {
		case usage.EventOpen:
			current = ev.App
		case usage.EventClose:
			if ev.App == current {
				current = ""
			}
		}
	}
	return current, current != "", nil
}
