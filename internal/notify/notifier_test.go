package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/klimit/internal/category"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var now = time.Date(2026, 6, 1, 20, 15, 0, 0, time.UTC)

type recorder struct {
	name   string
	err    error
	events []Event
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestLockTriggered(t *testing.T) {
	timed := LockTriggered(now, category.Games, category.LimitSession, "session limit", 10*time.Minute, "Chess")
	if timed.CooldownSeconds != 600 || timed.UntilMidnight {
		t.Errorf("Expected 600s timed lock, got %+v", timed)
	}

	daily := LockTriggered(now, category.Social, category.LimitDaily, "daily limit", 0, "")
	if !daily.UntilMidnight || daily.CooldownSeconds != 0 {
		t.Errorf("Expected lock until midnight, got %+v", daily)
	}

	data, err := json.Marshal(daily)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for _, want := range []string{`"type":"lock_triggered"`, `"category":"social"`, `"limit_type":"daily_limit"`, `"until_midnight":true`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("Expected %s in %s", want, data)
		}
	}
}

func TestRedisNotifier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	sub := client.Subscribe(ctx, "klimit:events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	n := NewRedisNotifier(client, "klimit:events")
	if err := n.Notify(ctx, ThresholdAdjusted(now, category.Games, 90, 100)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}

	var got Event
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Type != EventThresholdAdjusted || got.Category != category.Games || got.NewLimit != 100 {
		t.Errorf("Unexpected event %+v", got)
	}
}

func TestRedisNotifierUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	n := NewRedisNotifier(client, "klimit:events")
	if err := n.Notify(context.Background(), LockCleared(now, category.Games, "expired")); err == nil {
		t.Error("Expected error when redis is down")
	}
}

func TestMultiContinuesPastFailure(t *testing.T) {
	failing := &recorder{name: "broken", err: errors.New("boom")}
	ok := &recorder{name: "ok"}
	m := Multi{failing, ok}

	err := m.Notify(context.Background(), FeedbackRequested(now, category.Social, 30, 31, 12))
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected error naming the failing notifier, got %v", err)
	}
	if len(ok.events) != 1 {
		t.Errorf("Expected healthy notifier to receive the event, got %d", len(ok.events))
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))

	if err := n.Notify(context.Background(), LockTriggered(now, category.Games, category.LimitUnlock, "unlock limit", 5*time.Minute, "")); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"event":"lock_triggered"`, `"category":"games"`, `"cooldown_seconds":300`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}
