package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/config"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store backed by miniredis
func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return newStore(client), mr
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := Open(config.RedisConfig{
		Host:         mr.Host(),
		Port:         mustPort(t, mr),
		PoolSize:     2,
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if store.Client() == nil {
		t.Error("Expected client to be exposed")
	}
}

func TestOpenInvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "never"})
	if err == nil {
		t.Fatal("Expected error for invalid dial_timeout")
	}
}

func mustPort(t *testing.T, mr *miniredis.Miniredis) int {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("Invalid miniredis port: %v", err)
	}
	return port
}

func TestLedgerRoundTrip(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	ledger := storage.NewDayLedger("2026-03-14")
	ledger.Category(category.Social).AccumulatedSeconds = 600
	ledger.App("com.example.chat", category.Social).Seconds = 600

	if err := store.Ledgers().SaveLedger(ctx, *ledger); err != nil {
		t.Fatalf("SaveLedger failed: %v", err)
	}
	// Saving the same ledger again must not double anything.
	if err := store.Ledgers().SaveLedger(ctx, *ledger); err != nil {
		t.Fatalf("SaveLedger (repeat) failed: %v", err)
	}

	got, err := store.Ledgers().LoadLedger(ctx, "2026-03-14")
	if err != nil {
		t.Fatalf("LoadLedger failed: %v", err)
	}
	if got.Categories[category.Social].AccumulatedSeconds != 600 {
		t.Errorf("Expected 600 seconds, got %d", got.Categories[category.Social].AccumulatedSeconds)
	}
	if got.Apps["com.example.chat"].Seconds != 600 {
		t.Errorf("Expected app usage 600, got %d", got.Apps["com.example.chat"].Seconds)
	}

	if ttl := mr.TTL("klimit:ledger:2026-03-14"); ttl != retentionSeconds*time.Second {
		t.Errorf("Expected 90 day TTL, got %v", ttl)
	}

	if _, err := store.Ledgers().LoadLedger(ctx, "2026-03-15"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLedgerRangeAndDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, date := range []string{"2026-01-30", "2026-02-01", "2026-02-02", "2026-02-10"} {
		if err := store.Ledgers().SaveLedger(ctx, *storage.NewDayLedger(date)); err != nil {
			t.Fatalf("SaveLedger(%s) failed: %v", date, err)
		}
	}

	list, err := store.Ledgers().ListLedgers(ctx, "2026-02-01", "2026-02-02")
	if err != nil {
		t.Fatalf("ListLedgers failed: %v", err)
	}
	if len(list) != 2 || list[0].Date != "2026-02-01" || list[1].Date != "2026-02-02" {
		t.Errorf("Unexpected range result: %+v", list)
	}

	deleted, err := store.Ledgers().DeleteLedgersBefore(ctx, "2026-02-02")
	if err != nil {
		t.Fatalf("DeleteLedgersBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted, got %d", deleted)
	}

	list, err = store.Ledgers().ListLedgers(ctx, "2026-01-01", "2026-12-31")
	if err != nil {
		t.Fatalf("ListLedgers failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 remaining ledgers, got %d", len(list))
	}

	if err := store.Ledgers().SaveLedger(ctx, storage.DayLedger{Date: "14/03/2026"}); err == nil {
		t.Error("Expected error for malformed date")
	}
}

func TestTrainingSamples(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	samples := []storage.TrainingSample{
		{Category: category.Games, DailyMinutes: 10, Label: false, CreatedAt: now.Add(-100 * 24 * time.Hour)},
		{Category: category.Social, DailyMinutes: 50, Label: true, CreatedAt: now.Add(-time.Hour)},
		{Category: category.Social, DailyMinutes: 60, Label: true, CreatedAt: now},
	}
	for _, s := range samples {
		if err := store.Training().AppendSample(ctx, s); err != nil {
			t.Fatalf("AppendSample failed: %v", err)
		}
	}

	count, err := store.Training().CountSamples(ctx)
	if err != nil {
		t.Fatalf("CountSamples failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 samples, got %d", count)
	}

	list, err := store.Training().ListSamples(ctx)
	if err != nil {
		t.Fatalf("ListSamples failed: %v", err)
	}
	if len(list) != 3 || list[0].Category != category.Games || list[2].DailyMinutes != 60 {
		t.Errorf("Samples not in creation order: %+v", list)
	}
	for _, s := range list {
		if s.ID == "" {
			t.Error("Expected generated sample ID")
		}
	}

	deleted, err := store.Training().DeleteSamplesBefore(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteSamplesBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted sample, got %d", deleted)
	}
	if count, _ := store.Training().CountSamples(ctx); count != 2 {
		t.Errorf("Expected 2 samples after retention, got %d", count)
	}
}

func TestModelLifecycle(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Models().LoadModel(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	model := storage.SerializedModel{Version: 2, TrainingRows: 120, Accuracy: 0.8, Payload: []byte(`{"leaf":true}`)}
	if err := store.Models().SaveModel(ctx, model); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}
	got, err := store.Models().LoadModel(ctx)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	if got.Version != 2 || got.TrainingRows != 120 || string(got.Payload) != `{"leaf":true}` {
		t.Errorf("Unexpected model: %+v", got)
	}

	if err := store.Models().DeleteModel(ctx); err != nil {
		t.Fatalf("DeleteModel failed: %v", err)
	}
	if err := store.Models().DeleteModel(ctx); err != nil {
		t.Errorf("Second DeleteModel should be a no-op, got %v", err)
	}
}

func TestStateStore(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.State().GetFeedbackStats(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if err := store.State().PutFeedbackStats(ctx, storage.FeedbackStats{Total: 10, Helpful: 7}); err != nil {
		t.Fatalf("PutFeedbackStats failed: %v", err)
	}
	stats, err := store.State().GetFeedbackStats(ctx)
	if err != nil {
		t.Fatalf("GetFeedbackStats failed: %v", err)
	}
	if stats.HelpfulRate() != 0.7 {
		t.Errorf("Expected helpful rate 0.7, got %v", stats.HelpfulRate())
	}

	for _, c := range []category.Category{category.Social, category.Games} {
		if err := store.State().PutThreshold(ctx, storage.ThresholdState{Category: c, DailyLimitMinutes: 90}); err != nil {
			t.Fatalf("PutThreshold failed: %v", err)
		}
	}
	th, err := store.State().GetThreshold(ctx, category.Games)
	if err != nil {
		t.Fatalf("GetThreshold failed: %v", err)
	}
	if th.DailyLimitMinutes != 90 {
		t.Errorf("Expected 90, got %v", th.DailyLimitMinutes)
	}
	if _, err := store.State().GetThreshold(ctx, category.Entertainment); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	list, err := store.State().ListThresholds(ctx)
	if err != nil {
		t.Fatalf("ListThresholds failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 thresholds, got %d", len(list))
	}
}
