package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/config"
	"github.com/goodtune/klimit/internal/notify"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/source"
	"github.com/goodtune/klimit/internal/storage/bolt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	replayStep time.Duration
	replayTail time.Duration
	replayMode string
)

var replayCmd = &cobra.Command{
	Use:   "replay [flags] FILE",
	Short: "Replay a recorded event stream through the monitor",
	Long: `Drive the full decision pipeline from a JSON lines event file on a simulated
clock, printing every emitted event. State is kept in a throwaway store.`,
	Example: `  klimit replay evening.jsonl
  klimit -c config.yaml replay --step 500ms --mode rule_based evening.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().DurationVar(&replayStep, "step", time.Second, "Simulated time between ticks")
	replayCmd.Flags().DurationVar(&replayTail, "tail", time.Minute, "Keep ticking this long after the last event")
	replayCmd.Flags().StringVar(&replayMode, "mode", "", "Override mode: learning, rule_based or ml_ensemble")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayStep <= 0 {
		return fmt.Errorf("step must be positive")
	}

	cfg := config.Default()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	clock := &policy.TestClock{}
	replay, err := source.LoadReplay(f, clock)
	if err != nil {
		return fmt.Errorf("failed to load replay: %w", err)
	}
	if replay.Len() == 0 {
		return errors.New("replay file has no events")
	}
	first, last := replay.Span()
	clock.Set(first.Add(-replayStep))

	dir, err := os.MkdirTemp("", "klimit-replay-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	store, err := bolt.Open(filepath.Join(dir, "replay.bolt"))
	if err != nil {
		return err
	}
	defer store.Close()

	printer := &replayPrinter{}
	ctx := context.Background()
	rt, err := newRuntime(ctx, cfg, store, clock, sources{events: replay, foreground: replay}, printer, logger)
	if err != nil {
		return err
	}
	if replayMode != "" {
		mode, err := parseMode(replayMode)
		if err != nil {
			return err
		}
		rt.engine.SetMode(mode)
	}

	color.New(color.FgCyan, color.Bold).Printf("Replaying %d events from %s to %s (%s mode)\n\n",
		replay.Len(), first.Format(time.DateTime), last.Format(time.DateTime), modeName(rt.engine.Mode()))

	end := last.Add(replayTail)
	ticks := 0
	for clock.Now().Before(end) {
		clock.Advance(replayStep)
		rt.monitor.TryTick(ctx)
		ticks++
	}
	if err := rt.reconciler.Flush(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush usage")
	}
	rt.pipeline.Wait()

	ledger := rt.reconciler.Snapshot()
	fmt.Println()
	color.New(color.FgCyan, color.Bold).Printf("Summary after %d ticks (%s)\n", ticks, ledger.Date)
	for _, c := range category.All {
		l, ok := ledger.Categories[c]
		if !ok {
			continue
		}
		fmt.Printf("  %-14s %6.1f min, longest session %5.1f min, %d unlocks\n",
			c, float64(l.AccumulatedSeconds)/60, float64(l.LongestSessionSeconds)/60, l.UnlockCount)
	}
	fmt.Printf("  locks: %d, feedback requests: %d\n", printer.locks, printer.feedback)
	return nil
}

// replayPrinter prints events as the monitor emits them.
type replayPrinter struct {
	locks    int
	feedback int
}

func (p *replayPrinter) Name() string { return "replay" }

func (p *replayPrinter) Notify(_ context.Context, e notify.Event) error {
	red := color.New(color.FgRed, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	ts := e.Time.Format(time.TimeOnly)
	switch e.Type {
	case notify.EventLockTriggered:
		p.locks++
		until := fmt.Sprintf("%ds", e.CooldownSeconds)
		if e.UntilMidnight {
			until = "midnight"
		}
		red.Printf("%s LOCK     %-14s %s until %s (%s)\n", ts, e.Category, e.LimitType, until, e.Reason)
	case notify.EventLockCleared:
		green.Printf("%s UNLOCK   %-14s %s\n", ts, e.Category, e.Reason)
	case notify.EventFeedbackRequested:
		p.feedback++
		yellow.Printf("%s FEEDBACK %-14s %.0f min milestone\n", ts, e.Category, e.Milestone)
	case notify.EventThresholdAdjusted:
		yellow.Printf("%s LIMIT    %-14s %.0f -> %.0f min\n", ts, e.Category, e.OldLimit, e.NewLimit)
	}
	return nil
}
