package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/klimit/internal/config"
	"github.com/goodtune/klimit/internal/feedback"
	"github.com/goodtune/klimit/internal/ml"
	"github.com/goodtune/klimit/internal/notify"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	trainHoldoutCSV string
	evaluateCSV     string
	evaluateFromCSV string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Retrain the user model from stored feedback",
	Long: `Train a decision tree over all stored feedback and install it as the active
model, exactly as the automatic retraining triggers do.`,
	RunE: runTrain,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate the active model",
	Long: `Score the active model against stored feedback, or score a previously
exported CSV of labeled predictions.`,
	Example: `  klimit evaluate --csv predictions.csv
  klimit evaluate --from-csv predictions.csv`,
	RunE: runEvaluate,
}

func init() {
	trainCmd.Flags().StringVar(&trainHoldoutCSV, "holdout-csv", "", "Write holdout predictions to this CSV file")
	evaluateCmd.Flags().StringVar(&evaluateCSV, "csv", "", "Write per-row predictions to this CSV file")
	evaluateCmd.Flags().StringVar(&evaluateFromCSV, "from-csv", "", "Score an exported CSV instead of the stored model")
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evaluateCmd)
}

// openOffline loads config and storage for a one-shot command.
func openOffline(ctx context.Context) (*runtime, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	rt, err := newRuntime(ctx, cfg, store, policy.RealClock{}, sources{}, notify.NewLogNotifier(logger), logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return rt, func() { store.Close() }, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, closeFn, err := openOffline(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := rt.pipeline.Retrain(ctx, "manual")
	if errors.Is(err, ml.ErrInsufficientQualityFeedback) {
		color.New(color.FgYellow, color.Bold).Printf("Not enough quality feedback yet: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	cyan.Println("MODEL TRAINED")
	fmt.Printf("Samples:    %d kept, %d dropped as outliers\n", result.Kept, result.Dropped)
	fmt.Printf("Tree depth: %d\n", result.Model.Tree.Depth())
	fmt.Printf("Holdout:    %d rows\n", len(result.Holdout))
	printEvaluation(result.Evaluation)

	if trainHoldoutCSV != "" && len(result.Holdout) > 0 {
		predicted := predict(result.Model, result.Holdout)
		if err := writeCSV(trainHoldoutCSV, result.Holdout, predicted); err != nil {
			return err
		}
		fmt.Printf("Holdout predictions written to %s\n", trainHoldoutCSV)
	}
	return nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	if evaluateFromCSV != "" {
		f, err := os.Open(evaluateFromCSV)
		if err != nil {
			return err
		}
		defer f.Close()
		rows, predicted, err := ml.ReadEvaluationCSV(f)
		if err != nil {
			return err
		}
		printEvaluation(ml.Score(rows, predicted))
		return nil
	}

	ctx := context.Background()
	rt, closeFn, err := openOffline(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	model := rt.ensemble.Active()
	if model == nil {
		return fmt.Errorf("no trained model: %w", storage.ErrNotFound)
	}
	samples, err := rt.store.Training().ListSamples(ctx)
	if err != nil {
		return fmt.Errorf("failed to list samples: %w", err)
	}
	kept, dropped := ml.FilterOutliers(samples, ml.SafetyLimits{
		DailyMinutes:   rt.cfg.Safety.DailyMinutes,
		SessionMinutes: rt.cfg.Safety.SessionMinutes,
	})
	rows := ml.RowsFromSamples(kept)
	predicted := predict(model, rows)

	fmt.Printf("Model trained %s on %d rows; scoring %d samples (%d outliers skipped)\n",
		model.TrainedAt.Format("2006-01-02 15:04"), model.TrainingRows, len(rows), dropped)
	printEvaluation(ml.Score(rows, predicted))

	if evaluateCSV != "" {
		if err := writeCSV(evaluateCSV, rows, predicted); err != nil {
			return err
		}
		fmt.Printf("Predictions written to %s\n", evaluateCSV)
	}
	return nil
}

func predict(p ml.Predictor, rows []ml.Row) []bool {
	out := make([]bool, len(rows))
	for i, r := range rows {
		out[i], _ = p.Predict(r.Features)
	}
	return out
}

func writeCSV(path string, rows []ml.Row, predicted []bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ml.WriteEvaluationCSV(f, rows, predicted); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// printEvaluation prints scores and the confusion matrix with colors
func printEvaluation(e ml.Evaluation) {
	cyan := color.New(color.FgCyan, color.Bold)
	score := color.New(color.FgGreen, color.Bold)
	if e.Accuracy < feedback.DefaultAccuracyFloor {
		score = color.New(color.FgRed, color.Bold)
	}

	fmt.Println()
	cyan.Println("Scores")
	score.Printf("  Accuracy:  %.3f\n", e.Accuracy)
	fmt.Printf("  Precision: %.3f\n", e.Precision)
	fmt.Printf("  Recall:    %.3f\n", e.Recall)
	fmt.Printf("  F1:        %.3f\n", e.F1)
	cyan.Println("Confusion matrix")
	fmt.Printf("                 predicted lock  predicted allow\n")
	fmt.Printf("  actual lock    %14d  %15d\n", e.TP, e.FN)
	fmt.Printf("  actual allow   %14d  %15d\n", e.FP, e.TN)
	fmt.Printf("  total          %d\n", e.Total)
	fmt.Println()
}
