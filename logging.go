package agentloop

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// LoggingConfig configures the logger used by the dispatcher and loop.
type LoggingConfig struct {
	// Logger overrides everything else if provided.
	Logger *slog.Logger

	// Handler is used to build a logger if Logger is nil.
	Handler slog.Handler

	// Level is used when creating a default handler.
	Level slog.Level

	// Pretty selects a colorized console handler instead of the plain text
	// one. Meant for interactive runs, not log shipping.
	Pretty bool
}

// DefaultLoggingConfig returns default logging configuration.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: slog.LevelInfo}
}

// ResolveLogger builds a *slog.Logger from the configuration.
func ResolveLogger(cfg LoggingConfig) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	if cfg.Handler != nil {
		return slog.New(cfg.Handler)
	}

	level := cfg.Level
	if level == 0 {
		level = slog.LevelInfo
	}

	if cfg.Pretty {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
