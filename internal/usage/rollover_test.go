package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/goodtune/klimit/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func TestNextMidnight(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := NextMidnight(tt.now); !got.Equal(tt.want) {
			t.Errorf("NextMidnight(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestRolloverCleanup(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "klimit.bolt"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	now := time.Date(2026, 6, 1, 0, 0, 5, 0, time.UTC)
	for _, date := range []string{"2026-01-01", "2026-03-05", "2026-05-31"} {
		if err := store.Ledgers().SaveLedger(ctx, *storage.NewDayLedger(date)); err != nil {
			t.Fatalf("SaveLedger failed: %v", err)
		}
	}
	for _, created := range []time.Time{now.AddDate(0, 0, -120), now.AddDate(0, 0, -1)} {
		if err := store.Training().AppendSample(ctx, storage.TrainingSample{Category: category.Games, CreatedAt: created}); err != nil {
			t.Fatalf("AppendSample failed: %v", err)
		}
	}

	rs := NewRolloverScheduler(store, 90, zerolog.Nop())
	rs.Cleanup(ctx, now)

	ledgers, err := store.Ledgers().ListLedgers(ctx, "2000-01-01", "2100-01-01")
	if err != nil {
		t.Fatalf("ListLedgers failed: %v", err)
	}
	if len(ledgers) != 2 || ledgers[0].Date != "2026-03-05" {
		t.Errorf("Unexpected ledgers after cleanup: %+v", ledgers)
	}
	if n, _ := store.Training().CountSamples(ctx); n != 1 {
		t.Errorf("Expected 1 sample after cleanup, got %d", n)
	}
}

func TestRolloverSchedulerStartStop(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "klimit.bolt"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	rs := NewRolloverScheduler(store, 0, zerolog.Nop())
	rs.Start()
	rs.Stop()
}
