package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/klimit/internal/storage"
	"github.com/redis/go-redis/v9"
)

type ledgerStore struct {
	client *redis.Client
}

// LoadLedger retrieves the ledger for a date
func (s *ledgerStore) LoadLedger(ctx context.Context, date string) (*storage.DayLedger, error) {
	return decodeJSON[storage.DayLedger](s.client.Get(ctx, ledgerKey(date)).Result())
}

// SaveLedger overwrites the ledger for its date
func (s *ledgerStore) SaveLedger(ctx context.Context, ledger storage.DayLedger) error {
	score, err := dateScore(ledger.Date)
	if err != nil {
		return err
	}
	if ledger.UpdatedAt.IsZero() {
		ledger.UpdatedAt = time.Now()
	}
	payload, err := json.Marshal(ledger)
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	script := redis.NewScript(saveLedgerScript)
	keys := []string{ledgerKey(ledger.Date), keyLedgerIndex}
	return script.Run(ctx, s.client, keys, ledger.Date, score, string(payload), retentionSeconds).Err()
}

// ListLedgers returns ledgers with fromDate <= date <= toDate in date order
func (s *ledgerStore) ListLedgers(ctx context.Context, fromDate, toDate string) ([]storage.DayLedger, error) {
	from, err := dateScore(fromDate)
	if err != nil {
		return nil, err
	}
	to, err := dateScore(toDate)
	if err != nil {
		return nil, err
	}

	dates, err := s.client.ZRangeByScore(ctx, keyLedgerIndex, &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return []storage.DayLedger{}, nil
	}

	keys := make([]string, len(dates))
	for i, d := range dates {
		keys[i] = ledgerKey(d)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	return decodeList[storage.DayLedger](values)
}

// DeleteLedgersBefore removes ledgers strictly older than cutoffDate
func (s *ledgerStore) DeleteLedgersBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := dateScore(cutoffDate)
	if err != nil {
		return 0, err
	}
	script := redis.NewScript(deleteLedgersBeforeScript)
	return script.Run(ctx, s.client, []string{keyLedgerIndex}, cutoff, keyLedgerPrefix).Int()
}
