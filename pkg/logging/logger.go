// Package logging configures the zerolog logger shared by the harvester components.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs limiter waits and store reads.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs downloads, page fetches and bootstrap progress.
	LevelInfo LogLevel = "info"

	// LevelWarn logs transient upstream failures and cooldowns.
	LevelWarn LogLevel = "warn"

	// LevelError logs conditions that stop the harvester.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty switches to human-readable console lines instead of JSON.
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns the configuration used by the CLI: console lines at info level.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: true,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime, NoColor: !isTerminal(out)}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level, defaulting to info.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a child of the global logger tagged with the component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithRun tags the global logger with the run identifier so every later
// NewLogger call inherits it.
func WithRun(runID string) {
	log.Logger = log.With().Str("run_id", runID).Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Log Level Guidelines:
//
// Debug
//   - limiter waits (spacing, budget, cooldown)
//   - store reads, page cache hits
//
// Info
//   - artifact downloaded, next page stored
//   - bootstrap progress, startup/shutdown
//
// Warn
//   - transient upstream failures (network, non-200, disguised rate limit)
//   - cooldown applied
//   - item without a usable link (slot skipped)
//   - category stalled on a missing next link
//
// Error
//   - corrupted persisted state, missing predecessor page
//   - missing credentials
//
// Context Fields:
//   - category: rank being processed
//   - page: page index within the category
//   - offset: item offset within the page
//   - counter: progress counter before the step
//   - requests: upstream calls in the current budget window
//   - error_class: network, status, rate_limit, read
