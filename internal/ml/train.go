package ml

import (
	"fmt"
	"time"

	"github.com/goodtune/klimit/internal/storage"
)

// Training defaults.
const (
	DefaultMinTrainingSamples = 20

	// holdoutMinRows is the dataset size from which every holdoutEvery-th
	// row is kept aside to measure accuracy.
	holdoutMinRows = 50
	holdoutEvery   = 5
)

// TrainConfig holds training parameters
type TrainConfig struct {
	Tree               TreeConfig
	Safety             SafetyLimits
	MinTrainingSamples int
}

// TrainResult describes a finished training run.
type TrainResult struct {
	Model      *Model
	Kept       int
	Dropped    int
	Holdout    []Row
	Evaluation Evaluation
}

// Train filters samples, fits a tree and measures it.
func Train(samples []storage.TrainingSample, cfg TrainConfig, now time.Time) (*TrainResult, error) {
	if cfg.MinTrainingSamples <= 0 {
		cfg.MinTrainingSamples = DefaultMinTrainingSamples
	}

	kept, dropped := FilterOutliers(samples, cfg.Safety)
	if len(kept) < cfg.MinTrainingSamples {
		return nil, fmt.Errorf("%w: %d usable of %d samples, need %d",
			ErrInsufficientQualityFeedback, len(kept), len(samples), cfg.MinTrainingSamples)
	}

	rows := RowsFromSamples(kept)
	train, holdout := SplitHoldout(rows)

	tree, err := Fit(train, cfg.Tree)
	if err != nil {
		return nil, fmt.Errorf("failed to fit tree: %w", err)
	}
	model := &Model{
		Tree:         tree,
		TrainedAt:    now,
		TrainingRows: len(rows),
	}

	evalRows := holdout
	if len(evalRows) == 0 {
		evalRows = train
	}
	eval := Evaluate(model, evalRows)
	model.Accuracy = eval.Accuracy

	return &TrainResult{
		Model:      model,
		Kept:       len(kept),
		Dropped:    dropped,
		Holdout:    holdout,
		Evaluation: eval,
	}, nil
}

// SplitHoldout sets aside every fifth row when there are enough rows.
func SplitHoldout(rows []Row) (train, holdout []Row) {
	if len(rows) < holdoutMinRows {
		return rows, nil
	}
	for i, r := range rows {
		if i%holdoutEvery == holdoutEvery-1 {
			holdout = append(holdout, r)
		} else {
			train = append(train, r)
		}
	}
	return train, holdout
}
