package ml

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/goodtune/klimit/internal/storage/bolt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	trainedAt = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	safety    = SafetyLimits{DailyMinutes: 360, SessionMinutes: 120}
)

// thresholdSamples returns rows labeled overuse when daily >= 150.
func thresholdSamples(n int) []storage.TrainingSample {
	samples := make([]storage.TrainingSample, 0, n)
	for i := 0; i < n; i++ {
		daily := float64(i * 5)
		samples = append(samples, storage.TrainingSample{
			Category:       category.Games,
			DailyMinutes:   daily,
			SessionMinutes: 10,
			HourOfDay:      14,
			Label:          daily >= 150,
		})
	}
	return samples
}

func TestComputeWeightsConservation(t *testing.T) {
	for total := 0; total <= 1000; total += 25 {
		for helpful := 0; helpful <= total; helpful += 5 {
			stats := storage.FeedbackStats{Total: total, Helpful: helpful}
			for _, hasModel := range []bool{false, true} {
				for _, trained := range []bool{false, true} {
					w := ComputeWeights(stats, hasModel, trained && hasModel, 300)
					assert.InDelta(t, 1.0, w.RuleBased+w.UserModel, 1e-9, "stats=%+v", stats)
				}
			}
		}
	}
}

func TestComputeWeightsSchedule(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		helpful  int
		hasModel bool
		trained  bool
		want     Weights
	}{
		{"no model", 500, 450, false, false, Weights{1.0, 0.0}},
		{"untrained model", 500, 450, true, false, Weights{0.9, 0.1}},
		{"trusted", 400, 300, true, true, Weights{0.5, 0.5}},
		{"mixed", 400, 220, true, true, Weights{0.7, 0.3}},
		{"distrusted", 100, 30, true, true, Weights{0.9, 0.1}},
		{"25 rows at 80 percent", 25, 20, true, true, Weights{0.9, 0.1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWeights(storage.FeedbackStats{Total: tt.total, Helpful: tt.helpful}, tt.hasModel, tt.trained, 300)
			assert.InDelta(t, tt.want.RuleBased, got.RuleBased, 1e-9)
			assert.InDelta(t, tt.want.UserModel, got.UserModel, 1e-9)
		})
	}
}

func TestFilterOutliers(t *testing.T) {
	samples := []storage.TrainingSample{
		{DailyMinutes: 342, Label: false},  // 95% of daily ceiling, "not overuse"
		{DailyMinutes: 30, Label: true},    // 8%, "overuse"
		{DailyMinutes: 360, Label: true},   // at ceiling
		{SessionMinutes: 125, Label: true}, // over session ceiling
		{DailyMinutes: 342, Label: true},   // consistent
		{DailyMinutes: 180, Label: false},  // consistent
	}

	kept, dropped := FilterOutliers(samples, safety)

	assert.Equal(t, 4, dropped)
	require.Len(t, kept, 2)
	assert.True(t, kept[0].Label)
	assert.Equal(t, 180.0, kept[1].DailyMinutes)
}

func TestFitThreshold(t *testing.T) {
	rows := RowsFromSamples(thresholdSamples(60))

	tree, err := Fit(rows, TreeConfig{})
	require.NoError(t, err)

	lock, conf := tree.Predict(Features{Category: category.Games, DailyMinutes: 200, SessionMinutes: 10, Hour: 14})
	assert.True(t, lock)
	assert.Equal(t, 1.0, conf)

	lock, _ = tree.Predict(Features{Category: category.Games, DailyMinutes: 100, SessionMinutes: 10, Hour: 14})
	assert.False(t, lock)
	assert.Equal(t, 1, tree.Depth())
}

func TestFitCategorySplit(t *testing.T) {
	var rows []Row
	for i := 0; i < 10; i++ {
		rows = append(rows,
			Row{Features: Features{Category: category.Games, DailyMinutes: 60}, Label: true},
			Row{Features: Features{Category: category.Social, DailyMinutes: 60}, Label: false},
		)
	}

	tree, err := Fit(rows, TreeConfig{})
	require.NoError(t, err)
	require.Equal(t, FeatureCategory, tree.Root.Feature)

	lock, _ := tree.Predict(Features{Category: category.Games, DailyMinutes: 60})
	assert.True(t, lock)
	lock, _ = tree.Predict(Features{Category: category.Social, DailyMinutes: 60})
	assert.False(t, lock)
}

func TestFitRespectsLimits(t *testing.T) {
	rows := RowsFromSamples(thresholdSamples(60))

	tree, err := Fit(rows, TreeConfig{MaxDepth: 1, MinLeafSize: 40})
	require.NoError(t, err)
	assert.True(t, tree.Root.IsLeaf(), "min leaf size should prevent any split")
	assert.InDelta(t, 0.5, tree.Root.Confidence, 1e-9)
}

func TestPredictMissingBranch(t *testing.T) {
	games := category.Games
	tree := &Tree{Root: &Node{
		Label: true, Confidence: 0.7, Samples: 10,
		Feature: FeatureCategory, Category: &games,
		Left: &Node{Label: false, Confidence: 0.9, Samples: 5},
	}}

	lock, conf := tree.Predict(Features{Category: category.Social})
	assert.True(t, lock)
	assert.Equal(t, 0.7, conf)
}

func TestTrain(t *testing.T) {
	result, err := Train(thresholdSamples(60), TrainConfig{Safety: safety}, trainedAt)
	require.NoError(t, err)

	assert.Equal(t, 60, result.Kept)
	assert.Len(t, result.Holdout, 12)
	assert.Equal(t, 60, result.Model.TrainingRows)
	assert.Equal(t, 1.0, result.Model.Accuracy)
	assert.Equal(t, trainedAt, result.Model.TrainedAt)
}

func TestTrainInsufficientQualityFeedback(t *testing.T) {
	samples := thresholdSamples(15)
	// Contradicting high-usage rows are all filtered out.
	for i := 0; i < 10; i++ {
		samples = append(samples, storage.TrainingSample{DailyMinutes: 350, Label: false})
	}

	_, err := Train(samples, TrainConfig{Safety: safety}, trainedAt)
	assert.ErrorIs(t, err, ErrInsufficientQualityFeedback)
}

func TestSerializeRoundTrip(t *testing.T) {
	result, err := Train(thresholdSamples(60), TrainConfig{Safety: safety}, trainedAt)
	require.NoError(t, err)

	serialized, err := result.Model.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(serialized)
	require.NoError(t, err)
	assert.Equal(t, result.Model.TrainingRows, restored.TrainingRows)

	for _, daily := range []float64{0, 120, 149, 151, 300} {
		f := Features{Category: category.Games, DailyMinutes: daily, SessionMinutes: 10, Hour: 14}
		want, _ := result.Model.Predict(f)
		got, _ := restored.Predict(f)
		assert.Equal(t, want, got, "daily=%v", daily)
	}
}

func TestDeserializeInvalid(t *testing.T) {
	tests := []struct {
		name  string
		model storage.SerializedModel
	}{
		{"wrong version", storage.SerializedModel{Version: 99, TrainingRows: 1, Payload: []byte(`{"root":{}}`)}},
		{"no rows", storage.SerializedModel{Version: ModelVersion, Payload: []byte(`{"root":{}}`)}},
		{"garbage payload", storage.SerializedModel{Version: ModelVersion, TrainingRows: 1, Payload: []byte(`{"root":`)}},
		{"no root", storage.SerializedModel{Version: ModelVersion, TrainingRows: 1, Payload: []byte(`{}`)}},
		{"unknown feature", storage.SerializedModel{Version: ModelVersion, TrainingRows: 1,
			Payload: []byte(`{"root":{"feature":"shoe_size","confidence":1}}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.model)
			assert.ErrorIs(t, err, ErrModelInvalid)
		})
	}
}

func TestScore(t *testing.T) {
	rows := []Row{{Label: true}, {Label: true}, {Label: false}, {Label: false}}
	e := Score(rows, []bool{true, false, true, false})

	assert.Equal(t, 1, e.TP)
	assert.Equal(t, 1, e.FN)
	assert.Equal(t, 1, e.FP)
	assert.Equal(t, 1, e.TN)
	assert.InDelta(t, 0.5, e.Accuracy, 1e-9)
	assert.InDelta(t, 0.5, e.F1, 1e-9)

	none := Score([]Row{{Label: false}}, []bool{false})
	assert.Equal(t, 0.0, none.Precision)
	assert.Equal(t, 0.0, none.Recall)
	assert.Equal(t, 0.0, none.F1)
}

func TestEvaluationCSV(t *testing.T) {
	rows := []Row{
		{Features: Features{Category: category.Social, DailyMinutes: 42.5, SessionMinutes: 12, Hour: 20}, Label: true},
		{Features: Features{Category: category.Games, DailyMinutes: 10, SessionMinutes: 3, Hour: 9}, Label: false},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteEvaluationCSV(&buf, rows, []bool{false, false}))

	want := "category,daily_usage,session_usage,time_of_day,actual_label,predicted_label\n" +
		"social,42.5,12,20,Yes,No\n" +
		"games,10,3,9,No,No\n"
	assert.Equal(t, want, buf.String())

	gotRows, gotPred, err := ReadEvaluationCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, rows, gotRows)
	assert.Equal(t, []bool{false, false}, gotPred)

	assert.Error(t, WriteEvaluationCSV(&buf, rows, []bool{true}))
}

type fixedStats storage.FeedbackStats

func (f fixedStats) Stats() storage.FeedbackStats { return storage.FeedbackStats(f) }

func openStore(t *testing.T) *bolt.Store {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "klimit.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnsembleWithoutModel(t *testing.T) {
	e := NewEnsembleService(EnsembleConfig{}, fixedStats{Total: 1000, Helpful: 900}, zerolog.Nop())

	assert.False(t, e.Ready())

	b, err := e.Blend(context.Background(), Features{}, true)
	require.NoError(t, err)
	assert.True(t, b.Lock)
	assert.Equal(t, 1.0, b.Confidence)
	assert.Equal(t, Weights{RuleBased: 1, UserModel: 0}, b.Weights)
}

func TestEnsembleInstallAndBlend(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	e := NewEnsembleService(EnsembleConfig{MinSamples: 50}, fixedStats{Total: 400, Helpful: 300}, zerolog.Nop())

	result, err := Train(thresholdSamples(60), TrainConfig{Safety: safety}, trainedAt)
	require.NoError(t, err)
	require.NoError(t, e.Install(ctx, store.Models(), result.Model))

	assert.True(t, e.Ready())
	assert.Same(t, result.Model, e.Active())

	// Trusted 50/50: rule and model disagree, so confidence is only 0.5.
	b, err := e.Blend(ctx, Features{Category: category.Games, DailyMinutes: 200, SessionMinutes: 10, Hour: 14}, false)
	require.NoError(t, err)
	assert.Equal(t, Weights{RuleBased: 0.5, UserModel: 0.5}, b.Weights)
	assert.True(t, b.ModelLock)
	assert.InDelta(t, 0.5, b.Confidence, 1e-9)

	// Agreement gives full confidence.
	b, err = e.Blend(ctx, Features{Category: category.Games, DailyMinutes: 200, SessionMinutes: 10, Hour: 14}, true)
	require.NoError(t, err)
	assert.True(t, b.Lock)
	assert.InDelta(t, 1.0, b.Confidence, 1e-9)

	// A fresh service restores the persisted model.
	restored := NewEnsembleService(EnsembleConfig{MinSamples: 50}, fixedStats{Total: 400, Helpful: 300}, zerolog.Nop())
	require.NoError(t, restored.Load(ctx, store.Models()))
	require.NotNil(t, restored.Active())
	assert.Equal(t, 60, restored.Active().TrainingRows)
}

func TestEnsembleLoadInvalidDeletes(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Models().SaveModel(ctx, storage.SerializedModel{Version: 42, Payload: []byte(`{}`)}))

	e := NewEnsembleService(EnsembleConfig{}, nil, zerolog.Nop())
	require.NoError(t, e.Load(ctx, store.Models()))
	assert.Nil(t, e.Active())

	_, err := store.Models().LoadModel(ctx)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "invalid model should be deleted, got %v", err)
}

func TestEnsembleBlendCancelled(t *testing.T) {
	e := NewEnsembleService(EnsembleConfig{}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Blend(ctx, Features{}, false)
	assert.ErrorIs(t, err, context.Canceled)
}
