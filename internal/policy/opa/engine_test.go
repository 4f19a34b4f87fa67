package opa

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/klimit/internal/category"
	"github.com/goodtune/klimit/internal/policy"
	"github.com/rs/zerolog"
)

func gamesFacts(daily, session float64, unlocks, hour int) policy.Facts {
	return policy.Facts{
		Category:       category.Games,
		DailyMinutes:   daily,
		SessionMinutes: session,
		UnlockCount:    unlocks,
		Hour:           hour,
		Limits:         policy.Limits{DailyMinutes: 240, SessionMinutes: 60, UnlockLimit: 20},
		Peak:           policy.DefaultPeakWindow,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func TestEmbeddedPolicy(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name  string
		facts policy.Facts
		lock  bool
		limit category.LimitType
	}{
		{"239 minutes", gamesFacts(239, 0, 0, 14), false, 0},
		{"240 minutes", gamesFacts(240, 0, 0, 14), true, category.LimitDaily},
		{"peak hour", gamesFacts(193, 0, 0, 20), true, category.LimitDaily},
		{"after peak", gamesFacts(193, 0, 0, 22), false, 0},
		{"session", gamesFacts(100, 60, 0, 14), true, category.LimitSession},
		{"unlocks", gamesFacts(100, 10, 20, 14), true, category.LimitUnlock},
		{"daily wins over session", gamesFacts(240, 60, 20, 14), true, category.LimitDaily},
		{"no limits", policy.Facts{Category: category.Other, DailyMinutes: 500, Hour: 14}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.Evaluate(context.Background(), tt.facts)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if res.Lock != tt.lock {
				t.Errorf("Expected lock=%v, got %v (%s)", tt.lock, res.Lock, res.Reason)
			}
			if tt.lock && res.LimitType != tt.limit {
				t.Errorf("Expected limit type %s, got %s", tt.limit, res.LimitType)
			}
		})
	}
}

// TestMatchesNativeRules checks the embedded policy against the built-in
// threshold function over a grid of inputs.
func TestMatchesNativeRules(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	for _, hour := range []int{0, 14, 19, 21, 22} {
		for daily := 0.0; daily <= 260; daily += 20 {
			for _, session := range []float64{0, 47, 60} {
				for _, unlocks := range []int{0, 25} {
					f := gamesFacts(daily, session, unlocks, hour)
					want, _ := policy.NativeRules{}.Evaluate(ctx, f)
					got, err := engine.Evaluate(ctx, f)
					if err != nil {
						t.Fatalf("Evaluate failed: %v", err)
					}
					if got.Lock != want.Lock || got.LimitType != want.LimitType {
						t.Errorf("facts %+v: opa=%+v native=%+v", f, got, want)
					}
				}
			}
		}
	}
}

func TestPolicyDir(t *testing.T) {
	dir := t.TempDir()
	strict := `package klimit.rules

import rego.v1

default decision := {"lock": false, "limit_type": "", "reason": "ok"}

decision := {"lock": true, "limit_type": "session_limit", "reason": "bedtime"} if {
	input.hour >= 21
}
`
	if err := os.WriteFile(filepath.Join(dir, "bedtime.rego"), []byte(strict), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	res, err := engine.Evaluate(context.Background(), gamesFacts(0, 0, 0, 21))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !res.Lock || res.LimitType != category.LimitSession || res.Reason != "bedtime" {
		t.Errorf("Expected bedtime session lock, got %+v", res)
	}

	// A broken edit keeps the previous policy active.
	if err := os.WriteFile(filepath.Join(dir, "bedtime.rego"), []byte("package klimit.rules\n\ndecision := {"), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := engine.Reload(); err == nil {
		t.Error("Expected reload of a broken policy to fail")
	}
	if res, err := engine.Evaluate(context.Background(), gamesFacts(0, 0, 0, 21)); err != nil || !res.Lock {
		t.Errorf("Expected previous policy to stay active, got %+v, %v", res, err)
	}
}

func TestUnknownLimitType(t *testing.T) {
	dir := t.TempDir()
	bad := `package klimit.rules

import rego.v1

decision := {"lock": true, "limit_type": "weekly_limit", "reason": "nope"}
`
	if err := os.WriteFile(filepath.Join(dir, "bad.rego"), []byte(bad), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if _, err := engine.Evaluate(context.Background(), gamesFacts(0, 0, 0, 14)); err == nil {
		t.Error("Expected error for unknown limit type")
	}
}

// TestReloadThreadSafety tests that reload is thread-safe with concurrent evaluations
func TestReloadThreadSafety(t *testing.T) {
	engine := newTestEngine(t)

	var wg sync.WaitGroup
	ctx := context.Background()
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_, _ = engine.Evaluate(ctx, gamesFacts(120, 30, 3, 20))

					// Small delay to avoid spinning too fast
					time.Sleep(1 * time.Millisecond)
				}
			}
		}()
	}

	// Perform multiple reloads while evaluations are happening
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		if err := engine.Reload(); err != nil {
			t.Errorf("Reload failed: %v", err)
		}
	}

	close(done)
	wg.Wait()
}

// TestNewEngineWithoutPolicies tests engine creation when policies are not available
func TestNewEngineWithoutPolicies(t *testing.T) {
	if _, err := NewEngine("/nonexistent/path", zerolog.Nop()); err == nil {
		t.Error("Expected error when creating engine with invalid policy dir")
	}
}
