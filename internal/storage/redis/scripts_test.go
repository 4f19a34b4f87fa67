package redis

import (
	"context"
	"testing"
)

func TestSaveLedgerScript(t *testing.T) {
	store, mr := setupTestStore(t)
	client := store.Client()
	ctx := context.Background()

	result := client.Eval(ctx, saveLedgerScript, []string{
		"klimit:ledger:2026-05-01",
		"klimit:ledgers",
	}, "2026-05-01", 20260501, `{"date":"2026-05-01"}`, 60)
	if result.Err() != nil {
		t.Fatalf("Script execution failed: %v", result.Err())
	}

	if got, _ := mr.Get("klimit:ledger:2026-05-01"); got != `{"date":"2026-05-01"}` {
		t.Errorf("Unexpected ledger payload %q", got)
	}
	score, err := mr.ZScore("klimit:ledgers", "2026-05-01")
	if err != nil {
		t.Fatalf("ZScore failed: %v", err)
	}
	if score != 20260501 {
		t.Errorf("Expected score 20260501, got %v", score)
	}
}

func TestDeleteSamplesBeforeScript(t *testing.T) {
	store, mr := setupTestStore(t)
	client := store.Client()
	ctx := context.Background()

	tests := []struct {
		id string
		ms int
	}{
		{"a", 1000},
		{"b", 2000},
		{"c", 3000},
	}
	for _, tt := range tests {
		if err := client.Eval(ctx, appendSampleScript, []string{keySamples, keySampleIndex}, tt.id, tt.ms, "{}").Err(); err != nil {
			t.Fatalf("appendSampleScript failed: %v", err)
		}
	}

	// The cutoff is exclusive: a sample created exactly at it survives.
	n, err := client.Eval(ctx, deleteSamplesBeforeScript, []string{keySamples, keySampleIndex}, 2000).Int()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deleted, got %d", n)
	}
	if mr.HGet(keySamples, "a") != "" {
		t.Error("Expected sample a to be removed")
	}
	if mr.HGet(keySamples, "b") == "" {
		t.Error("Expected sample b to survive")
	}
}
