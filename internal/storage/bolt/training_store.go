package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/klimit/internal/storage"
	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

type trainingStore struct {
	db *bbolt.DB
}

// AppendSample stores a sample keyed by its ULID so that cursor order is
// creation order.
func (s *trainingStore) AppendSample(ctx context.Context, sample storage.TrainingSample) error {
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now()
	}
	if sample.ID == "" {
		sample.ID = ulid.MustNew(ulid.Timestamp(sample.CreatedAt), ulid.DefaultEntropy()).String()
	}
	return putBucketValue(ctx, s.db, bucketSamples, sample.ID, sample)
}

func (s *trainingStore) ListSamples(ctx context.Context) ([]storage.TrainingSample, error) {
	return listBucket[storage.TrainingSample](ctx, s.db, bucketSamples)
}

func (s *trainingStore) CountSamples(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSamples))
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

func (s *trainingStore) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSamples))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var sample storage.TrainingSample
			if err := unmarshal(v, &sample); err != nil {
				return fmt.Errorf("sample %s: %w", k, err)
			}
			if !sample.CreatedAt.Before(cutoff) {
				continue
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
