package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/config"
	"github.com/goodtune/klimit/internal/notify"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkCategory string
	checkDaily    float64
	checkSession  float64
	checkHour     int
	checkUnlocks  int
	checkMode     string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a lock decision interactively",
	Long: `Check what klimit would decide for a hypothetical usage snapshot, using the
configured limits, rules and the stored model.`,
	Example: `  klimit -c config.yaml check --category games --daily 95 --session 20
  klimit check --category social --daily 100 --hour 20 --mode rule_based`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkCategory, "category", "", "Category (social, games, entertainment, other)")
	checkCmd.Flags().Float64Var(&checkDaily, "daily", 0, "Minutes used today")
	checkCmd.Flags().Float64Var(&checkSession, "session", 0, "Minutes in the current session")
	checkCmd.Flags().IntVar(&checkHour, "hour", -1, "Hour of day (0-23) - defaults to current hour")
	checkCmd.Flags().IntVar(&checkUnlocks, "unlocks", 0, "Unlocks today")
	checkCmd.Flags().StringVar(&checkMode, "mode", "", "Override mode: learning, rule_based or ml_ensemble")
	checkCmd.MarkFlagRequired("category")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	c, err := category.Parse(checkCategory)
	if err != nil {
		return err
	}
	hour := checkHour
	if hour < 0 {
		hour = time.Now().Hour()
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	rt, err := newRuntime(ctx, cfg, store, policy.RealClock{}, sources{}, notify.NewLogNotifier(logger), logger)
	if err != nil {
		return err
	}
	if checkMode != "" {
		mode, err := parseMode(checkMode)
		if err != nil {
			return err
		}
		rt.engine.SetMode(mode)
	}

	in := policy.Input{
		Category:       c,
		DailyMinutes:   checkDaily,
		SessionMinutes: checkSession,
		Hour:           hour,
		UnlockCount:    checkUnlocks,
	}
	v := rt.engine.Decide(ctx, in)

	printDecision(rt, in, v)
	return nil
}

func parseMode(s string) (policy.Mode, error) {
	switch s {
	case "learning":
		return policy.Mode{Learning: true}, nil
	case "rule_based", "rules":
		return policy.Mode{RuleBased: true}, nil
	case "ml_ensemble", "ml":
		return policy.Mode{}, nil
	default:
		return policy.Mode{}, fmt.Errorf("unknown mode: %s", s)
	}
}

// printDecision prints the check result with colors
func printDecision(rt *runtime, in policy.Input, v policy.Verdict) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("LOCK DECISION CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Category:   %s\n", in.Category)
	fmt.Printf("Daily:      %.1f min\n", in.DailyMinutes)
	fmt.Printf("Session:    %.1f min\n", in.SessionMinutes)
	fmt.Printf("Hour:       %02d:00\n", in.Hour)
	fmt.Printf("Unlocks:    %d\n", in.UnlockCount)
	fmt.Printf("Mode:       %s\n", modeName(rt.engine.Mode()))
	if l, ok := rt.limits.LimitsFor(in.Category); ok {
		fmt.Printf("Limits:     daily %.0f min, session %.0f min\n", l.DailyMinutes, l.SessionMinutes)
	} else {
		fmt.Printf("Limits:     (none)\n")
	}
	fmt.Println()

	cyan.Print("Decision:   ")
	if v.ShouldLock {
		red.Println("LOCK")
		fmt.Printf("            → %s\n", v.LimitType)
	} else {
		green.Println("ALLOW")
	}
	fmt.Printf("Source:     %s\n", v.Source)
	fmt.Printf("Confidence: %.2f\n", v.Confidence)
	if v.Reason != "" {
		fmt.Printf("Reason:     %s\n", v.Reason)
	}
	if v.Feedback != nil {
		yellow.Printf("Feedback:   would ask at the %.0f minute milestone\n", v.Feedback.Milestone)
	}

	w := rt.ensemble.Weights()
	fmt.Printf("Weights:    rules %.2f, model %.2f (model ready: %t)\n", w.RuleBased, w.UserModel, rt.ensemble.Ready())

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
