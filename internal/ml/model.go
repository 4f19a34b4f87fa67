package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/klimit/internal/storage"
)

// ModelVersion is the current serialization format.
const ModelVersion = 1

var (
	// ErrInsufficientQualityFeedback is returned when too few rows survive
	// outlier filtering.
	ErrInsufficientQualityFeedback = errors.New("insufficient quality feedback")

	// ErrModelInvalid is returned when a persisted model fails validation.
	ErrModelInvalid = errors.New("model invalid")
)

// Model is a trained tree with its bookkeeping.
type Model struct {
	Tree         *Tree
	TrainedAt    time.Time
	TrainingRows int
	Accuracy     float64
}

// Predict returns the model's label and confidence for f.
func (m *Model) Predict(f Features) (bool, float64) {
	return m.Tree.Predict(f)
}

// Serialize encodes the model for storage.
func (m *Model) Serialize() (storage.SerializedModel, error) {
	payload, err := json.Marshal(m.Tree)
	if err != nil {
		return storage.SerializedModel{}, fmt.Errorf("failed to encode tree: %w", err)
	}
	return storage.SerializedModel{
		Version:      ModelVersion,
		TrainedAt:    m.TrainedAt,
		TrainingRows: m.TrainingRows,
		Accuracy:     m.Accuracy,
		Payload:      payload,
	}, nil
}

// Deserialize decodes and validates a stored model. Any problem is reported
// as ErrModelInvalid.
func Deserialize(s storage.SerializedModel) (*Model, error) {
	if s.Version != ModelVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrModelInvalid, s.Version)
	}
	if s.TrainingRows <= 0 {
		return nil, fmt.Errorf("%w: no training rows", ErrModelInvalid)
	}
	if s.Accuracy < 0 || s.Accuracy > 1 {
		return nil, fmt.Errorf("%w: accuracy %v out of range", ErrModelInvalid, s.Accuracy)
	}
	var tree Tree
	if err := json.Unmarshal(s.Payload, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelInvalid, err)
	}
	if err := tree.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelInvalid, err)
	}
	return &Model{
		Tree:         &tree,
		TrainedAt:    s.TrainedAt,
		TrainingRows: s.TrainingRows,
		Accuracy:     s.Accuracy,
	}, nil
}
