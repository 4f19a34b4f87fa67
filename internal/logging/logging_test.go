package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/goodtune/klimit/internal/config"
	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	tests := []struct {
		name      string
		cfg       config.LoggingConfig
		wantLevel zerolog.Level
		wantJSON  bool
	}{
		{"json default", config.LoggingConfig{Level: "info"}, zerolog.InfoLevel, true},
		{"debug text", config.LoggingConfig{Level: "debug", Format: "text"}, zerolog.DebugLevel, false},
		{"unknown level", config.LoggingConfig{Level: "loud"}, zerolog.InfoLevel, true},
		{"warn", config.LoggingConfig{Level: "warn", Format: "json"}, zerolog.WarnLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(tt.cfg, &buf)

			if zerolog.GlobalLevel() != tt.wantLevel {
				t.Errorf("Expected level %v, got %v", tt.wantLevel, zerolog.GlobalLevel())
			}

			logger.Error().Str("component", "test").Msg("Lock triggered")
			out := buf.String()
			if !strings.Contains(out, "Lock triggered") {
				t.Fatalf("Expected message in output, got %q", out)
			}

			var decoded map[string]any
			isJSON := json.Unmarshal([]byte(out), &decoded) == nil
			if isJSON != tt.wantJSON {
				t.Errorf("Expected JSON=%v, got output %q", tt.wantJSON, out)
			}
		})
	}
}
