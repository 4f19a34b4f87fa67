package ml

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// Predictor is anything that labels features.
type Predictor interface {
	Predict(f Features) (bool, float64)
}

// Evaluation is a binary confusion matrix with derived scores. Scores with a
// zero denominator are reported as 0.
type Evaluation struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	TP        int     `json:"tp"`
	TN        int     `json:"tn"`
	FP        int     `json:"fp"`
	FN        int     `json:"fn"`
	Total     int     `json:"total"`
}

// Evaluate scores p against labeled rows.
func Evaluate(p Predictor, rows []Row) Evaluation {
	predicted := make([]bool, len(rows))
	for i, r := range rows {
		predicted[i], _ = p.Predict(r.Features)
	}
	return Score(rows, predicted)
}

// Score builds an Evaluation from labels and predictions.
func Score(rows []Row, predicted []bool) Evaluation {
	var e Evaluation
	for i, r := range rows {
		switch {
		case r.Label && predicted[i]:
			e.TP++
		case !r.Label && !predicted[i]:
			e.TN++
		case !r.Label && predicted[i]:
			e.FP++
		default:
			e.FN++
		}
	}
	e.Total = len(rows)
	e.Accuracy = ratio(e.TP+e.TN, e.Total)
	e.Precision = ratio(e.TP, e.TP+e.FP)
	e.Recall = ratio(e.TP, e.TP+e.FN)
	if e.Precision+e.Recall > 0 {
		e.F1 = 2 * e.Precision * e.Recall / (e.Precision + e.Recall)
	}
	return e
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

var csvHeader = []string{"category", "daily_usage", "session_usage", "time_of_day", "actual_label", "predicted_label"}

// WriteEvaluationCSV writes one line per row with its actual and predicted
// label as Yes/No.
func WriteEvaluationCSV(w io.Writer, rows []Row, predicted []bool) error {
	if len(rows) != len(predicted) {
		return fmt.Errorf("rows and predictions differ in length: %d != %d", len(rows), len(predicted))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for i, r := range rows {
		rec := []string{
			r.Category.String(),
			strconv.FormatFloat(r.DailyMinutes, 'f', -1, 64),
			strconv.FormatFloat(r.SessionMinutes, 'f', -1, 64),
			strconv.Itoa(r.Hour),
			yesNo(r.Label),
			yesNo(predicted[i]),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadEvaluationCSV parses a file written by WriteEvaluationCSV and returns
// the rows and their recorded predictions.
func ReadEvaluationCSV(r io.Reader) ([]Row, []bool, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty csv")
	}

	rows := make([]Row, 0, len(records)-1)
	predicted := make([]bool, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(csvHeader) {
			return nil, nil, fmt.Errorf("line %d: expected %d fields, got %d", i+2, len(csvHeader), len(rec))
		}
		var row Row
		if err := row.Category.UnmarshalText([]byte(rec[0])); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		if row.DailyMinutes, err = strconv.ParseFloat(rec[1], 64); err != nil {
			return nil, nil, fmt.Errorf("line %d: daily_usage: %w", i+2, err)
		}
		if row.SessionMinutes, err = strconv.ParseFloat(rec[2], 64); err != nil {
			return nil, nil, fmt.Errorf("line %d: session_usage: %w", i+2, err)
		}
		if row.Hour, err = strconv.Atoi(rec[3]); err != nil {
			return nil, nil, fmt.Errorf("line %d: time_of_day: %w", i+2, err)
		}
		row.Label = rec[4] == "Yes"
		rows = append(rows, row)
		predicted = append(predicted, rec[5] == "Yes")
	}
	return rows, predicted, nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
