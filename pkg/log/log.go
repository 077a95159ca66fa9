// Package log owns the orchestrator's process-wide zerolog root.
// Subsystems never log through the root directly; they derive a child
// via WithComponent at construction time and attach per-entity fields
// (worker_id, job_id) with With.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger Init configures. Its zero value discards
// everything, so packages constructed before Init stay silent rather
// than crashing.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	Level      string    // any zerolog level name (debug, info, warn, error, ...); empty or unknown means info
	JSONOutput bool      // structured JSON instead of console output
	Output     io.Writer // defaults to os.Stdout
}

// Init configures the root logger. Call once, before any subsystem is
// constructed.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the owning
// subsystem's name ("spawner", "bridge", ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// With returns a child logger tagged with one identity field, e.g.
// With("worker_id", id) on a per-worker code path.
func With(key, value string) zerolog.Logger {
	return Logger.With().Str(key, value).Logger()
}
