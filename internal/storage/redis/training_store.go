package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/klimit/internal/storage"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

type trainingStore struct {
	client *redis.Client
}

// AppendSample stores a sample and indexes it by creation time
func (s *trainingStore) AppendSample(ctx context.Context, sample storage.TrainingSample) error {
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now()
	}
	if sample.ID == "" {
		sample.ID = ulid.MustNew(ulid.Timestamp(sample.CreatedAt), ulid.DefaultEntropy()).String()
	}
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}

	script := redis.NewScript(appendSampleScript)
	keys := []string{keySamples, keySampleIndex}
	return script.Run(ctx, s.client, keys, sample.ID, sample.CreatedAt.UnixMilli(), string(payload)).Err()
}

// ListSamples returns all samples in creation order
func (s *trainingStore) ListSamples(ctx context.Context) ([]storage.TrainingSample, error) {
	ids, err := s.client.ZRange(ctx, keySampleIndex, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.TrainingSample{}, nil
	}
	values, err := s.client.HMGet(ctx, keySamples, ids...).Result()
	if err != nil {
		return nil, err
	}
	return decodeList[storage.TrainingSample](values)
}

// CountSamples returns the number of stored samples
func (s *trainingStore) CountSamples(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, keySampleIndex).Result()
	return int(n), err
}

// DeleteSamplesBefore drops samples created before cutoff
func (s *trainingStore) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	script := redis.NewScript(deleteSamplesBeforeScript)
	keys := []string{keySamples, keySampleIndex}
	return script.Run(ctx, s.client, keys, cutoff.UnixMilli()).Int()
}
