package bolt

import (
	"context"
	"errors"

	"github.com/goodtune/klimit/internal/storage"
	"go.etcd.io/bbolt"
)

type modelStore struct {
	db *bbolt.DB
}

func (s *modelStore) LoadModel(ctx context.Context) (*storage.SerializedModel, error) {
	return getBucketValue[storage.SerializedModel](ctx, s.db, bucketModels, keyActiveModel)
}

func (s *modelStore) SaveModel(ctx context.Context, model storage.SerializedModel) error {
	return putBucketValue(ctx, s.db, bucketModels, keyActiveModel, model)
}

func (s *modelStore) DeleteModel(ctx context.Context) error {
	err := deleteBucketValue(ctx, s.db, bucketModels, keyActiveModel)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
