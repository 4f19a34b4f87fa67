package ml

import (
	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/storage"
)

// Feature names as they appear in serialized trees.
const (
	FeatureCategory       = "category"
	FeatureDailyMinutes   = "daily_minutes"
	FeatureSessionMinutes = "session_minutes"
	FeatureHourOfDay      = "hour_of_day"
)

var numericFeatures = []string{FeatureDailyMinutes, FeatureSessionMinutes, FeatureHourOfDay}

// Features is the model input.
type Features struct {
	Category       category.Category
	DailyMinutes   float64
	SessionMinutes float64
	Hour           int
}

func (f Features) numeric(name string) float64 {
	switch name {
	case FeatureDailyMinutes:
		return f.DailyMinutes
	case FeatureSessionMinutes:
		return f.SessionMinutes
	case FeatureHourOfDay:
		return float64(f.Hour)
	}
	return 0
}

// Row is a labeled example; Label true means "this was overuse, lock".
type Row struct {
	Features
	Label bool
}

// RowsFromSamples converts stored feedback into training rows.
func RowsFromSamples(samples []storage.TrainingSample) []Row {
	rows := make([]Row, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, Row{
			Features: Features{
				Category:       s.Category,
				DailyMinutes:   s.DailyMinutes,
				SessionMinutes: s.SessionMinutes,
				Hour:           s.HourOfDay,
			},
			Label: s.Label,
		})
	}
	return rows
}
