package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "klimit.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "storage:\n  path: "+filepath.Join(dir, "db", "klimit.bolt")+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Safety.DailyMinutes != 360 || cfg.Safety.SessionMinutes != 120 {
		t.Errorf("Unexpected safety ceilings: %+v", cfg.Safety)
	}
	if !cfg.Mode.Learning {
		t.Error("Expected learning mode by default")
	}
	if cfg.Rules.Engine != "native" {
		t.Errorf("Expected native rules engine, got %q", cfg.Rules.Engine)
	}
	if got := Duration(cfg.Session.InactivityThreshold, 0); got != 5*time.Minute {
		t.Errorf("Expected 5m inactivity threshold, got %v", got)
	}
	if len(cfg.Cooldown.Tiers) != 4 {
		t.Errorf("Expected 4 cooldown tiers, got %v", cfg.Cooldown.Tiers)
	}
	if _, ok := cfg.Categories["social"]; !ok {
		t.Error("Expected default social category")
	}
	if _, err := os.Stat(filepath.Join(dir, "db")); err != nil {
		t.Errorf("Expected storage directory to be created: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
storage:
  path: `+filepath.Join(dir, "klimit.bolt")+`
safety:
  daily_minutes: 240
cooldown:
  tiers: [60, 120]
rules:
  engine: opa
apps:
  - id: com.example.chat
    category: social
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Safety.DailyMinutes != 240 {
		t.Errorf("Expected daily ceiling 240, got %v", cfg.Safety.DailyMinutes)
	}
	if len(cfg.Cooldown.Tiers) != 2 || cfg.Cooldown.Tiers[1] != 120 {
		t.Errorf("Unexpected tiers: %v", cfg.Cooldown.Tiers)
	}
	if cfg.Rules.Engine != "opa" {
		t.Errorf("Expected opa engine, got %q", cfg.Rules.Engine)
	}
	if cfg.AppMap()["com.example.chat"] != "social" {
		t.Errorf("Expected app mapping, got %v", cfg.Apps)
	}
}

func TestLoadEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "storage:\n  path: "+filepath.Join(dir, "klimit.bolt")+"\n")
	t.Setenv("KLIMIT_SAFETY_SESSION_MINUTES", "90")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Safety.SessionMinutes != 90 {
		t.Errorf("Expected env override to 90, got %v", cfg.Safety.SessionMinutes)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage.Type = "etcd" }},
		{"zero safety", func(c *Config) { c.Safety.DailyMinutes = 0 }},
		{"decreasing tiers", func(c *Config) { c.Cooldown.Tiers = []int{600, 300} }},
		{"no tiers", func(c *Config) { c.Cooldown.Tiers = nil }},
		{"bad confidence", func(c *Config) { c.ML.MinConfidence = 1.5 }},
		{"bad engine", func(c *Config) { c.Rules.Engine = "lua" }},
		{"bad duration", func(c *Config) { c.Monitor.TickInterval = "soon" }},
		{"admin without secret", func(c *Config) { c.Admin.Enabled = true }},
		{"inverted bounds", func(c *Config) {
			c.Categories["games"] = CategoryConfig{DailyMinutes: 60, MinDailyMinutes: 90, MaxDailyMinutes: 30}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Storage.Path = filepath.Join(t.TempDir(), "klimit.bolt")
			tt.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	t.Run("defaults valid", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.Path = filepath.Join(t.TempDir(), "klimit.bolt")
		if err := validate(cfg); err != nil {
			t.Errorf("Expected defaults to validate, got %v", err)
		}
	})
}
