package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/redis/go-redis/v9"
)

type modelStore struct {
	client *redis.Client
}

// LoadModel retrieves the active model
func (s *modelStore) LoadModel(ctx context.Context) (*storage.SerializedModel, error) {
	return decodeJSON[storage.SerializedModel](s.client.Get(ctx, keyModel).Result())
}

// SaveModel replaces the active model
func (s *modelStore) SaveModel(ctx context.Context, model storage.SerializedModel) error {
	return setJSON(ctx, s.client, keyModel, model)
}

// DeleteModel removes the active model; deleting a missing model is not an error
func (s *modelStore) DeleteModel(ctx context.Context) error {
	return s.client.Del(ctx, keyModel).Err()
}

type stateStore struct {
	client *redis.Client
}

// GetFeedbackStats retrieves the feedback counters
func (s *stateStore) GetFeedbackStats(ctx context.Context) (*storage.FeedbackStats, error) {
	return decodeJSON[storage.FeedbackStats](s.client.Get(ctx, keyFeedbackStats).Result())
}

// PutFeedbackStats stores the feedback counters
func (s *stateStore) PutFeedbackStats(ctx context.Context, stats storage.FeedbackStats) error {
	return setJSON(ctx, s.client, keyFeedbackStats, stats)
}

// GetThreshold retrieves the tuned limit of a category
func (s *stateStore) GetThreshold(ctx context.Context, c category.Category) (*storage.ThresholdState, error) {
	return decodeJSON[storage.ThresholdState](s.client.HGet(ctx, keyThresholds, c.String()).Result())
}

// PutThreshold stores the tuned limit of a category
func (s *stateStore) PutThreshold(ctx context.Context, state storage.ThresholdState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode threshold: %w", err)
	}
	return s.client.HSet(ctx, keyThresholds, state.Category.String(), string(payload)).Err()
}

// ListThresholds returns every tuned limit
func (s *stateStore) ListThresholds(ctx context.Context) ([]storage.ThresholdState, error) {
	data, err := s.client.HGetAll(ctx, keyThresholds).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	values := make([]interface{}, 0, len(data))
	for _, v := range data {
		values = append(values, v)
	}
	return decodeList[storage.ThresholdState](values)
}

func setJSON(ctx context.Context, client *redis.Client, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return client.Set(ctx, key, string(payload), 0).Err()
}
