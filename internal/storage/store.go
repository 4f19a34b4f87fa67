package storage

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/goodtune/klimit/internal/category"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// DateFormat is the layout of ledger date keys.
const DateFormat = "2006-01-02"

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ledgers() LedgerStore
	Training() TrainingStore
	Models() ModelStore
	State() StateStore
}

// LedgerStore persists daily usage ledgers. Writes overwrite the whole day
// so a repeated save of the same ledger is harmless.
type LedgerStore interface {
	LoadLedger(ctx context.Context, date string) (*DayLedger, error)
	SaveLedger(ctx context.Context, ledger DayLedger) error
	ListLedgers(ctx context.Context, fromDate, toDate string) ([]DayLedger, error)
	DeleteLedgersBefore(ctx context.Context, cutoffDate string) (int, error)
}

// TrainingStore persists labeled feedback rows.
type TrainingStore interface {
	AppendSample(ctx context.Context, sample TrainingSample) error
	ListSamples(ctx context.Context) ([]TrainingSample, error)
	CountSamples(ctx context.Context) (int, error)
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ModelStore persists the single active trained model.
type ModelStore interface {
	LoadModel(ctx context.Context) (*SerializedModel, error)
	SaveModel(ctx context.Context, model SerializedModel) error
	DeleteModel(ctx context.Context) error
}

// StateStore persists small pieces of engine state that must survive restarts.
type StateStore interface {
	GetFeedbackStats(ctx context.Context) (*FeedbackStats, error)
	PutFeedbackStats(ctx context.Context, stats FeedbackStats) error
	GetThreshold(ctx context.Context, c category.Category) (*ThresholdState, error)
	PutThreshold(ctx context.Context, state ThresholdState) error
	ListThresholds(ctx context.Context) ([]ThresholdState, error)
}

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
