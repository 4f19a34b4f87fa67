package logging

import (
	"io"
	"os"

	"github.com/goodtune/klimit/internal/config"
	"github.com/rs/zerolog"
)

// Setup configures the logger based on configuration
func Setup(cfg config.LoggingConfig) zerolog.Logger {
	return New(cfg, os.Stdout)
}

// New builds a logger writing to out.
func New(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger()
}
