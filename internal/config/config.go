package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage    StorageConfig             `mapstructure:"storage"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Metrics    MetricsConfig             `mapstructure:"metrics"`
	Safety     SafetyConfig              `mapstructure:"safety"`
	Categories map[string]CategoryConfig `mapstructure:"categories"`
	Apps       []AppConfig               `mapstructure:"apps"`
	Session    SessionConfig             `mapstructure:"session"`
	Cooldown   CooldownConfig            `mapstructure:"cooldown"`
	Mode       ModeConfig                `mapstructure:"mode"`
	Rules      RulesConfig               `mapstructure:"rules"`
	ML         MLConfig                  `mapstructure:"ml"`
	Feedback   FeedbackConfig            `mapstructure:"feedback"`
	Thresholds ThresholdsConfig          `mapstructure:"thresholds"`
	Monitor    MonitorConfig             `mapstructure:"monitor"`
	Notify     NotifyConfig              `mapstructure:"notify"`
	Admin      AdminConfig               `mapstructure:"admin"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the metrics/status HTTP endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// SafetyConfig defines the hard ceilings that are always enforced
type SafetyConfig struct {
	DailyMinutes   float64 `mapstructure:"daily_minutes"`
	SessionMinutes float64 `mapstructure:"session_minutes"`
}

// CategoryConfig defines the limits of one category
type CategoryConfig struct {
	DailyMinutes    float64 `mapstructure:"daily_minutes"`
	SessionMinutes  float64 `mapstructure:"session_minutes"`
	MinDailyMinutes float64 `mapstructure:"min_daily_minutes"`
	MaxDailyMinutes float64 `mapstructure:"max_daily_minutes"`
	UnlockLimit     int     `mapstructure:"unlock_limit"` // 0 = unlimited
	Pool            string  `mapstructure:"pool"`         // categories sharing a pool share one ceiling
}

// AppConfig maps an application identifier (or a "prefix*" pattern) to a
// category. A list is used because identifiers usually contain dots.
type AppConfig struct {
	ID       string `mapstructure:"id"`
	Category string `mapstructure:"category"`
}

// AppMap flattens the app list into the categorizer's mapping form.
func (c *Config) AppMap() map[string]string {
	m := make(map[string]string, len(c.Apps))
	for _, a := range c.Apps {
		m[a.ID] = a.Category
	}
	return m
}

// SessionConfig defines session clock behavior
type SessionConfig struct {
	InactivityThreshold string `mapstructure:"inactivity_threshold"`
	MinTick             string `mapstructure:"min_tick"`
	MaxTick             string `mapstructure:"max_tick"`
}

// CooldownConfig defines progressive penalties
type CooldownConfig struct {
	Tiers       []int  `mapstructure:"tiers"` // seconds, indexed by violation count
	GraceWindow string `mapstructure:"grace_window"`
}

// ModeConfig selects the decision policy
type ModeConfig struct {
	Learning  bool `mapstructure:"learning"`
	RuleBased bool `mapstructure:"rule_based"`
}

// RulesConfig defines the deterministic threshold function
type RulesConfig struct {
	Engine         string  `mapstructure:"engine"` // "native" or "opa"
	PolicyDir      string  `mapstructure:"policy_dir"`
	PeakStartHour  int     `mapstructure:"peak_start_hour"`
	PeakEndHour    int     `mapstructure:"peak_end_hour"`
	PeakMultiplier float64 `mapstructure:"peak_multiplier"`
}

// MLConfig defines model readiness and training parameters
type MLConfig struct {
	MinSamples         int     `mapstructure:"min_samples"`
	MinConfidence      float64 `mapstructure:"min_confidence"`
	MinTrainingSamples int     `mapstructure:"min_training_samples"`
	MinLeafSize        int     `mapstructure:"min_leaf_size"`
	MaxDepth           int     `mapstructure:"max_depth"`
}

// FeedbackConfig defines feedback retention
type FeedbackConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// ThresholdsConfig defines adaptive threshold tuning
type ThresholdsConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Interval        string  `mapstructure:"interval"`
	MinDeltaMinutes float64 `mapstructure:"min_delta_minutes"`
}

// MonitorConfig defines the periodic driver
type MonitorConfig struct {
	TickInterval string `mapstructure:"tick_interval"`
	CallTimeout  string `mapstructure:"call_timeout"`
	Journal      string `mapstructure:"journal"` // JSON lines written by the device agent
}

// NotifyConfig defines where lock events are published
type NotifyConfig struct {
	RedisChannel string `mapstructure:"redis_channel"` // empty = log only
}

// AdminConfig defines the authenticated control API
type AdminConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BindAddress     string `mapstructure:"bind_address"`
	Port            int    `mapstructure:"port"`
	Secret          string `mapstructure:"secret"` // HS256 signing key for client tokens
	TokenExpiration string `mapstructure:"token_expiration"`
	RateLimit       int    `mapstructure:"rate_limit"` // requests per minute per client
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KLIMIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/klimit/klimit.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)

	// Safety ceilings
	v.SetDefault("safety.daily_minutes", 360)
	v.SetDefault("safety.session_minutes", 120)

	// Category defaults
	v.SetDefault("categories", map[string]interface{}{
		"social": map[string]interface{}{
			"daily_minutes": 120, "session_minutes": 45,
			"min_daily_minutes": 30, "max_daily_minutes": 240,
			"unlock_limit": 0, "pool": "recreational",
		},
		"games": map[string]interface{}{
			"daily_minutes": 90, "session_minutes": 60,
			"min_daily_minutes": 30, "max_daily_minutes": 180,
			"unlock_limit": 0, "pool": "",
		},
		"entertainment": map[string]interface{}{
			"daily_minutes": 120, "session_minutes": 60,
			"min_daily_minutes": 30, "max_daily_minutes": 240,
			"unlock_limit": 0, "pool": "recreational",
		},
	})
	v.SetDefault("apps", []interface{}{})

	// Session defaults
	v.SetDefault("session.inactivity_threshold", "5m")
	v.SetDefault("session.min_tick", "50ms")
	v.SetDefault("session.max_tick", "2s")

	// Cooldown defaults
	v.SetDefault("cooldown.tiers", []int{300, 600, 900, 1800})
	v.SetDefault("cooldown.grace_window", "30m")

	// Mode defaults: new installs start in learning mode
	v.SetDefault("mode.learning", true)
	v.SetDefault("mode.rule_based", false)

	// Rule-based defaults
	v.SetDefault("rules.engine", "native")
	v.SetDefault("rules.policy_dir", "")
	v.SetDefault("rules.peak_start_hour", 19)
	v.SetDefault("rules.peak_end_hour", 22)
	v.SetDefault("rules.peak_multiplier", 0.8)

	// ML defaults
	v.SetDefault("ml.min_samples", 300)
	v.SetDefault("ml.min_confidence", 0.6)
	v.SetDefault("ml.min_training_samples", 20)
	v.SetDefault("ml.min_leaf_size", 5)
	v.SetDefault("ml.max_depth", 8)

	// Feedback defaults
	v.SetDefault("feedback.retention_days", 90)

	// Threshold tuning defaults
	v.SetDefault("thresholds.enabled", true)
	v.SetDefault("thresholds.interval", "168h")
	v.SetDefault("thresholds.min_delta_minutes", 10)

	// Monitor defaults
	v.SetDefault("monitor.tick_interval", "200ms")
	v.SetDefault("monitor.call_timeout", "150ms")
	v.SetDefault("monitor.journal", "/var/lib/klimit/events.jsonl")

	// Notify defaults
	v.SetDefault("notify.redis_channel", "")

	// Control API defaults
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.bind_address", "127.0.0.1")
	v.SetDefault("admin.port", 9091)
	v.SetDefault("admin.secret", "")
	v.SetDefault("admin.token_expiration", "720h")
	v.SetDefault("admin.rate_limit", 60)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}
	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Safety.DailyMinutes <= 0 || cfg.Safety.SessionMinutes <= 0 {
		return fmt.Errorf("safety ceilings must be positive")
	}

	for name, c := range cfg.Categories {
		if c.DailyMinutes <= 0 {
			return fmt.Errorf("category %s: daily_minutes must be positive", name)
		}
		if c.MinDailyMinutes > 0 && c.MaxDailyMinutes > 0 && c.MinDailyMinutes > c.MaxDailyMinutes {
			return fmt.Errorf("category %s: min_daily_minutes exceeds max_daily_minutes", name)
		}
	}

	for i, a := range cfg.Apps {
		if a.ID == "" {
			return fmt.Errorf("apps[%d]: id is required", i)
		}
	}

	if len(cfg.Cooldown.Tiers) == 0 {
		return fmt.Errorf("at least one cooldown tier is required")
	}
	for i := 1; i < len(cfg.Cooldown.Tiers); i++ {
		if cfg.Cooldown.Tiers[i] < cfg.Cooldown.Tiers[i-1] {
			return fmt.Errorf("cooldown tiers must be non-decreasing")
		}
	}

	if cfg.ML.MinConfidence < 0 || cfg.ML.MinConfidence > 1 {
		return fmt.Errorf("ml.min_confidence must be within [0, 1]")
	}

	switch cfg.Rules.Engine {
	case "", "native":
		cfg.Rules.Engine = "native"
	case "opa":
	default:
		return fmt.Errorf("unsupported rules engine: %s", cfg.Rules.Engine)
	}

	if cfg.Admin.Enabled && cfg.Admin.Secret == "" {
		return fmt.Errorf("admin.secret is required when the control API is enabled")
	}

	for _, d := range []string{
		cfg.Admin.TokenExpiration,
		cfg.Session.InactivityThreshold, cfg.Session.MinTick, cfg.Session.MaxTick,
		cfg.Cooldown.GraceWindow, cfg.Thresholds.Interval,
		cfg.Monitor.TickInterval, cfg.Monitor.CallTimeout,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q: %w", d, err)
		}
	}

	return nil
}

// Duration parses a duration string, returning fallback on error.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
