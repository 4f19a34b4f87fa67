// Package source defines the collaborators that feed the monitor with
// foreground and usage-event observations.
package source

import (
	"context"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/usage"
)

// ForegroundSource reports the app currently in the foreground. ok is false
// when no app is in the foreground (screen off, home screen).
type ForegroundSource interface {
	ForegroundApp(ctx context.Context) (app category.AppID, ok bool, err error)
}

// EventSource returns the open/close events recorded in (since, until].
type EventSource interface {
	QueryEvents(ctx context.Context, since, until time.Time) ([]usage.RawEvent, error)
}
