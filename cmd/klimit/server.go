package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/klimit/internal/admin"
	"github.com/goodtune/klimit/internal/config"
	"github.com/goodtune/klimit/internal/logging"
	"github.com/goodtune/klimit/internal/metrics"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/goodtune/klimit/internal/source"
	"github.com/goodtune/klimit/internal/systemd"
	"github.com/goodtune/klimit/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// thresholdCheckInterval is how often categories are offered for retuning;
// each category is still adjusted at most once per configured interval.
const thresholdCheckInterval = time.Hour

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start klimit daemon",
	Long:  `Start the monitor loop, the threshold tuner and the metrics/status endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := logging.Setup(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting klimit")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	notifier, closeNotifier, err := buildNotifier(cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	journal := source.NewJournal(cfg.Monitor.Journal, logger)
	rt, err := newRuntime(ctx, cfg, store, policy.RealClock{}, sources{events: journal, foreground: journal}, notifier, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("journal", cfg.Monitor.Journal).
		Str("rules", cfg.Rules.Engine).
		Bool("model_ready", rt.ensemble.Ready()).
		Msg("Decision pipeline initialized")

	// Initialize Rollover Scheduler
	rollover := usage.NewRolloverScheduler(store, cfg.Feedback.RetentionDays, logger)
	rollover.Start()

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		metricsServer.SetStatusFunc(func() any { return rt.status() })

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	// Initialize Control API
	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer, err = newAdminServer(cfg, rt, logger)
		if err != nil {
			return err
		}
		if sdListeners.Activated && sdListeners.Admin != nil {
			adminServer.SetListener(sdListeners.Admin)
		}
		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("failed to start control API: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.monitor.Run(gctx)
	})
	if cfg.Thresholds.Enabled {
		g.Go(func() error {
			runThresholds(gctx, rt, logger)
			return nil
		})
	}
	if interval := systemd.WatchdogInterval(); interval > 0 {
		g.Go(func() error {
			runWatchdog(gctx, rt, interval, logger)
			return nil
		})
	}

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	logger.Info().Msg("klimit startup complete")

	// Wait for signals (shutdown, reload or override)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case <-gctx.Done():
			break wait
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				reload(rt, logger)
				continue
			case syscall.SIGUSR1:
				toggleOverride(rt, logger)
				continue
			}
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break wait
		}
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if adminServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping control API")
		}
		stopCancel()
	}

	cancel()
	err = g.Wait()

	rollover.Stop()
	// A retrain in flight finishes and installs its model before exit.
	rt.pipeline.Wait()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("klimit stopped")
	return err
}

func newAdminServer(cfg *config.Config, rt *runtime, logger zerolog.Logger) (*admin.Server, error) {
	auth, err := admin.NewAuthenticator(cfg.Admin.Secret)
	if err != nil {
		return nil, err
	}
	return admin.NewServer(admin.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Admin.BindAddress, cfg.Admin.Port),
		RateLimit:  cfg.Admin.RateLimit,
	}, admin.Deps{
		Status:    func() any { return rt.status() },
		Snapshots: rt.monitor,
		Feedback:  rt.pipeline,
		Override:  rt.override,
	}, auth, logger), nil
}

// reload re-reads Rego policies. The native engine has nothing to reload.
func reload(rt *runtime, logger zerolog.Logger) {
	if rt.policies == nil {
		logger.Info().Msg("SIGHUP received, nothing to reload with native rules")
		return
	}
	logger.Info().Msg("SIGHUP received, reloading policies...")
	if err := rt.policies.Reload(); err != nil {
		logger.Error().Err(err).Msg("Failed to reload policies")
		return
	}
	logger.Info().Msg("Policies reloaded successfully")
}

// toggleOverride flips the emergency override, which suspends all locks.
func toggleOverride(rt *runtime, logger zerolog.Logger) {
	active, _ := rt.override.OverrideActive(context.Background())
	rt.override.Set(!active)
	logger.Warn().Bool("active", !active).Msg("Emergency override toggled")
}

func runThresholds(ctx context.Context, rt *runtime, logger zerolog.Logger) {
	ticker := time.NewTicker(thresholdCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			adjustments, err := rt.thresholds.Run(ctx, time.Now())
			if err != nil {
				logger.Warn().Err(err).Msg("Threshold tuning failed")
				continue
			}
			for _, a := range adjustments {
				logger.Debug().
					Str("category", a.Category.String()).
					Str("direction", string(a.Direction)).
					Float64("limit", a.NewLimit).
					Msg("Threshold evaluated")
			}
		}
	}
}

func runWatchdog(ctx context.Context, rt *runtime, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
			if st := rt.monitor.Status(); st != nil {
				_ = systemd.NotifyStatus(fmt.Sprintf("session %.0fm, mode %s", st.SessionMinutes, modeName(st.Mode)))
			}
		}
	}
}
