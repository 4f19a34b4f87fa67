package bolt

import (
	"bytes"
	"context"
	"time"

	"github.com/goodtune/klimit/internal/storage"
	"go.etcd.io/bbolt"
)

type ledgerStore struct {
	db *bbolt.DB
}

func (s *ledgerStore) LoadLedger(ctx context.Context, date string) (*storage.DayLedger, error) {
	return getBucketValue[storage.DayLedger](ctx, s.db, bucketLedgers, date)
}

func (s *ledgerStore) SaveLedger(ctx context.Context, ledger storage.DayLedger) error {
	if ledger.UpdatedAt.IsZero() {
		ledger.UpdatedAt = time.Now()
	}
	return putBucketValue(ctx, s.db, bucketLedgers, ledger.Date, ledger)
}

// ListLedgers returns ledgers with fromDate <= date <= toDate. Date keys sort
// lexically in chronological order.
func (s *ledgerStore) ListLedgers(ctx context.Context, fromDate, toDate string) ([]storage.DayLedger, error) {
	ledgers := make([]storage.DayLedger, 0)
	return ledgers, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedgers))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		max := []byte(toDate)
		for k, v := c.Seek([]byte(fromDate)); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ledger storage.DayLedger
			if err := unmarshal(v, &ledger); err != nil {
				return err
			}
			ledgers = append(ledgers, ledger)
		}
		return nil
	})
}

func (s *ledgerStore) DeleteLedgersBefore(ctx context.Context, cutoffDate string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedgers))
		if b == nil {
			return nil
		}
		cutoff := []byte(cutoffDate)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
