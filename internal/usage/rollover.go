package usage

import (
	"context"
	"time"

	"github.com/goodtune/klimit/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultRetentionDays is how long ledgers and training samples are kept.
const DefaultRetentionDays = 90

// RolloverScheduler prunes history past the retention window shortly after
// each local midnight. The in-memory day change is detected by the monitor.
type RolloverScheduler struct {
	store         storage.Store
	retentionDays int
	logger        zerolog.Logger
	now           func() time.Time
	stopChan      chan struct{}
	doneChan      chan struct{}
}

// NewRolloverScheduler creates a new rollover scheduler
func NewRolloverScheduler(store storage.Store, retentionDays int, logger zerolog.Logger) *RolloverScheduler {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &RolloverScheduler{
		store:         store,
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "rollover-scheduler").Logger(),
		now:           time.Now,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

// Start begins the rollover scheduler
func (rs *RolloverScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Int("retention_days", rs.retentionDays).
		Msg("Daily rollover scheduler started")
}

// Stop stops the rollover scheduler
func (rs *RolloverScheduler) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
	rs.logger.Info().Msg("Daily rollover scheduler stopped")
}

func (rs *RolloverScheduler) run() {
	defer close(rs.doneChan)
	for {
		nextReset := NextMidnight(rs.now())
		waitDuration := time.Until(nextReset)

		rs.logger.Debug().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily rollover")

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			rs.Cleanup(ctx, rs.now())
			cancel()
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// NextMidnight returns the first local midnight strictly after now.
func NextMidnight(now time.Time) time.Time {
	return StartOfDay(now).AddDate(0, 0, 1)
}

// Cleanup deletes ledgers and training samples older than the retention
// window. Errors are logged; the next run retries.
func (rs *RolloverScheduler) Cleanup(ctx context.Context, now time.Time) {
	cutoff := StartOfDay(now).AddDate(0, 0, -rs.retentionDays)
	cutoffDate := DayKey(cutoff)

	ledgers, err := rs.store.Ledgers().DeleteLedgersBefore(ctx, cutoffDate)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old usage ledgers")
	} else {
		rs.logger.Info().
			Int("ledgers_deleted", ledgers).
			Str("cutoff_date", cutoffDate).
			Msg("Old usage ledgers cleaned up")
	}

	samples, err := rs.store.Training().DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old training samples")
		return
	}
	rs.logger.Info().
		Int("samples_deleted", samples).
		Msg("Old training samples cleaned up")
}
