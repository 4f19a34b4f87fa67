package ml

import "github.com/goodtune/klimit/internal/storage"

// SafetyLimits are the hard ceilings usage is measured against.
type SafetyLimits struct {
	DailyMinutes   float64
	SessionMinutes float64
}

// UsagePercent is the larger of daily and session usage relative to the
// safety ceilings.
func (l SafetyLimits) UsagePercent(daily, session float64) float64 {
	var pct float64
	if l.DailyMinutes > 0 {
		pct = daily / l.DailyMinutes
	}
	if l.SessionMinutes > 0 {
		pct = max(pct, session/l.SessionMinutes)
	}
	return pct
}

// FilterOutliers drops probable mis-clicks and rows at or over the safety
// ceiling, whose outcome is fixed and teaches nothing.
func FilterOutliers(samples []storage.TrainingSample, limits SafetyLimits) (kept []storage.TrainingSample, dropped int) {
	kept = make([]storage.TrainingSample, 0, len(samples))
	for _, s := range samples {
		pct := limits.UsagePercent(s.DailyMinutes, s.SessionMinutes)
		switch {
		case pct >= 1:
			dropped++
		case pct >= 0.9 && !s.Label:
			dropped++
		case pct < 0.2 && s.Label:
			dropped++
		default:
			kept = append(kept, s)
		}
	}
	return kept, dropped
}
