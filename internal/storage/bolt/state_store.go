package bolt

import (
	"context"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/storage"
	"go.etcd.io/bbolt"
)

type stateStore struct {
	db *bbolt.DB
}

func (s *stateStore) GetFeedbackStats(ctx context.Context) (*storage.FeedbackStats, error) {
	return getBucketValue[storage.FeedbackStats](ctx, s.db, bucketState, keyFeedbackStats)
}

func (s *stateStore) PutFeedbackStats(ctx context.Context, stats storage.FeedbackStats) error {
	return putBucketValue(ctx, s.db, bucketState, keyFeedbackStats, stats)
}

func (s *stateStore) GetThreshold(ctx context.Context, c category.Category) (*storage.ThresholdState, error) {
	return getBucketValue[storage.ThresholdState](ctx, s.db, bucketState, prefixThreshold+c.String())
}

func (s *stateStore) PutThreshold(ctx context.Context, state storage.ThresholdState) error {
	return putBucketValue(ctx, s.db, bucketState, prefixThreshold+state.Category.String(), state)
}

func (s *stateStore) ListThresholds(ctx context.Context) ([]storage.ThresholdState, error) {
	states := make([]storage.ThresholdState, 0)
	return states, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketState))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefix := []byte(prefixThreshold)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var state storage.ThresholdState
			if err := unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, state)
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}
