package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/klimit/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Notifier delivers events to an external collaborator.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	ev := n.logger.Info().
		Str("event", string(e.Type)).
		Str("category", e.Category.String())
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	switch e.Type {
	case EventLockTriggered:
		ev = ev.Int64("cooldown_seconds", e.CooldownSeconds).Bool("until_midnight", e.UntilMidnight)
	case EventFeedbackRequested:
		ev = ev.Float64("milestone", e.Milestone).Float64("daily_minutes", e.DailyMinutes)
	case EventThresholdAdjusted:
		ev = ev.Float64("old_limit", e.OldLimit).Float64("new_limit", e.NewLimit)
	}
	ev.Msg("Event emitted")
	return nil
}

// RedisNotifier publishes events as JSON on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier creates a notifier publishing on channel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Name() string { return "redis" }

func (n *RedisNotifier) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Multi fans an event out to every notifier. One failing notifier does not
// stop delivery to the others.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(n.Name(), "ok").Inc()
	}
	return errors.Join(errs...)
}
