package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the klimit configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Default(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !isValidKey(validKeys, key) {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// isValidKey accepts fixed keys plus per-category keys of known categories.
func isValidKey(valid map[string]bool, key string) bool {
	if valid[key] {
		return true
	}
	rest, ok := strings.CutPrefix(key, "categories.")
	if !ok {
		return false
	}
	name, field, ok := strings.Cut(rest, ".")
	if !ok {
		return false
	}
	if _, err := category.Parse(name); err != nil {
		return false
	}
	return categoryKeys[field]
}

var categoryKeys = map[string]bool{
	"daily_minutes":     true,
	"session_minutes":   true,
	"min_daily_minutes": true,
	"max_daily_minutes": true,
	"unlock_limit":      true,
	"pool":              true,
}

// getValidKeys returns a set of all fixed configuration keys
func getValidKeys() map[string]bool {
	return map[string]bool{
		// Storage
		"storage.type":                 true,
		"storage.path":                 true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Metrics
		"metrics.enabled":      true,
		"metrics.bind_address": true,
		"metrics.port":         true,

		// Safety
		"safety.daily_minutes":   true,
		"safety.session_minutes": true,

		// Apps
		"apps": true,

		// Session
		"session.inactivity_threshold": true,
		"session.min_tick":             true,
		"session.max_tick":             true,

		// Cooldown
		"cooldown.tiers":        true,
		"cooldown.grace_window": true,

		// Mode
		"mode.learning":   true,
		"mode.rule_based": true,

		// Rules
		"rules.engine":          true,
		"rules.policy_dir":      true,
		"rules.peak_start_hour": true,
		"rules.peak_end_hour":   true,
		"rules.peak_multiplier": true,

		// ML
		"ml.min_samples":          true,
		"ml.min_confidence":       true,
		"ml.min_training_samples": true,
		"ml.min_leaf_size":        true,
		"ml.max_depth":            true,

		// Feedback
		"feedback.retention_days": true,

		// Thresholds
		"thresholds.enabled":           true,
		"thresholds.interval":          true,
		"thresholds.min_delta_minutes": true,

		// Monitor
		"monitor.tick_interval": true,
		"monitor.call_timeout":  true,
		"monitor.journal":       true,

		// Notify
		"notify.redis_channel": true,

		// Control API
		"admin.enabled":          true,
		"admin.bind_address":     true,
		"admin.port":             true,
		"admin.secret":           true,
		"admin.token_expiration": true,
		"admin.rate_limit":       true,
	}
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Metrics
	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress, yellow, green)
	dumpField("  port", cfg.Metrics.Port, defaultCfg.Metrics.Port, yellow, green)

	// Safety
	_, _ = cyan.Println("\n[safety]")
	dumpField("  daily_minutes", cfg.Safety.DailyMinutes, defaultCfg.Safety.DailyMinutes, yellow, green)
	dumpField("  session_minutes", cfg.Safety.SessionMinutes, defaultCfg.Safety.SessionMinutes, yellow, green)

	// Categories
	names := make([]string, 0, len(cfg.Categories))
	for name := range cfg.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c, d := cfg.Categories[name], defaultCfg.Categories[name]
		_, _ = cyan.Printf("\n[categories.%s]\n", name)
		dumpField("  daily_minutes", c.DailyMinutes, d.DailyMinutes, yellow, green)
		dumpField("  session_minutes", c.SessionMinutes, d.SessionMinutes, yellow, green)
		dumpField("  min_daily_minutes", c.MinDailyMinutes, d.MinDailyMinutes, yellow, green)
		dumpField("  max_daily_minutes", c.MaxDailyMinutes, d.MaxDailyMinutes, yellow, green)
		dumpField("  unlock_limit", c.UnlockLimit, d.UnlockLimit, yellow, green)
		dumpField("  pool", c.Pool, d.Pool, yellow, green)
	}

	// Apps
	_, _ = cyan.Println("\n[apps]")
	if len(cfg.Apps) == 0 {
		_, _ = green.Println("  (none)")
	}
	for _, a := range cfg.Apps {
		_, _ = yellow.Printf("  %s = %s\n", a.ID, a.Category)
	}

	// Session
	_, _ = cyan.Println("\n[session]")
	dumpField("  inactivity_threshold", cfg.Session.InactivityThreshold, defaultCfg.Session.InactivityThreshold, yellow, green)
	dumpField("  min_tick", cfg.Session.MinTick, defaultCfg.Session.MinTick, yellow, green)
	dumpField("  max_tick", cfg.Session.MaxTick, defaultCfg.Session.MaxTick, yellow, green)

	// Cooldown
	_, _ = cyan.Println("\n[cooldown]")
	dumpField("  tiers", cfg.Cooldown.Tiers, defaultCfg.Cooldown.Tiers, yellow, green)
	dumpField("  grace_window", cfg.Cooldown.GraceWindow, defaultCfg.Cooldown.GraceWindow, yellow, green)

	// Mode
	_, _ = cyan.Println("\n[mode]")
	dumpField("  learning", cfg.Mode.Learning, defaultCfg.Mode.Learning, yellow, green)
	dumpField("  rule_based", cfg.Mode.RuleBased, defaultCfg.Mode.RuleBased, yellow, green)

	// Rules
	_, _ = cyan.Println("\n[rules]")
	dumpField("  engine", cfg.Rules.Engine, defaultCfg.Rules.Engine, yellow, green)
	dumpField("  policy_dir", cfg.Rules.PolicyDir, defaultCfg.Rules.PolicyDir, yellow, green)
	dumpField("  peak_start_hour", cfg.Rules.PeakStartHour, defaultCfg.Rules.PeakStartHour, yellow, green)
	dumpField("  peak_end_hour", cfg.Rules.PeakEndHour, defaultCfg.Rules.PeakEndHour, yellow, green)
	dumpField("  peak_multiplier", cfg.Rules.PeakMultiplier, defaultCfg.Rules.PeakMultiplier, yellow, green)

	// ML
	_, _ = cyan.Println("\n[ml]")
	dumpField("  min_samples", cfg.ML.MinSamples, defaultCfg.ML.MinSamples, yellow, green)
	dumpField("  min_confidence", cfg.ML.MinConfidence, defaultCfg.ML.MinConfidence, yellow, green)
	dumpField("  min_training_samples", cfg.ML.MinTrainingSamples, defaultCfg.ML.MinTrainingSamples, yellow, green)
	dumpField("  min_leaf_size", cfg.ML.MinLeafSize, defaultCfg.ML.MinLeafSize, yellow, green)
	dumpField("  max_depth", cfg.ML.MaxDepth, defaultCfg.ML.MaxDepth, yellow, green)

	// Feedback
	_, _ = cyan.Println("\n[feedback]")
	dumpField("  retention_days", cfg.Feedback.RetentionDays, defaultCfg.Feedback.RetentionDays, yellow, green)

	// Thresholds
	_, _ = cyan.Println("\n[thresholds]")
	dumpField("  enabled", cfg.Thresholds.Enabled, defaultCfg.Thresholds.Enabled, yellow, green)
	dumpField("  interval", cfg.Thresholds.Interval, defaultCfg.Thresholds.Interval, yellow, green)
	dumpField("  min_delta_minutes", cfg.Thresholds.MinDeltaMinutes, defaultCfg.Thresholds.MinDeltaMinutes, yellow, green)

	// Monitor
	_, _ = cyan.Println("\n[monitor]")
	dumpField("  tick_interval", cfg.Monitor.TickInterval, defaultCfg.Monitor.TickInterval, yellow, green)
	dumpField("  call_timeout", cfg.Monitor.CallTimeout, defaultCfg.Monitor.CallTimeout, yellow, green)
	dumpField("  journal", cfg.Monitor.Journal, defaultCfg.Monitor.Journal, yellow, green)

	// Notify
	_, _ = cyan.Println("\n[notify]")
	dumpField("  redis_channel", cfg.Notify.RedisChannel, defaultCfg.Notify.RedisChannel, yellow, green)

	// Control API
	_, _ = cyan.Println("\n[admin]")
	dumpField("  enabled", cfg.Admin.Enabled, defaultCfg.Admin.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Admin.BindAddress, defaultCfg.Admin.BindAddress, yellow, green)
	dumpField("  port", cfg.Admin.Port, defaultCfg.Admin.Port, yellow, green)
	dumpField("  secret", redactPassword(cfg.Admin.Secret), redactPassword(defaultCfg.Admin.Secret), yellow, green)
	dumpField("  token_expiration", cfg.Admin.TokenExpiration, defaultCfg.Admin.TokenExpiration, yellow, green)
	dumpField("  rate_limit", cfg.Admin.RateLimit, defaultCfg.Admin.RateLimit, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
