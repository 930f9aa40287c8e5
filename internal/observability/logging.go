// Package observability provides logging helpers for tandem.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global logger based on the provided settings.
func SetupLogging(level, format string, output io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zerolog.TimeFieldFormat = time.RFC3339

	if format == "console" || format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Caller().Logger()
}

// SetupDefaultLogging sets up logging with sensible defaults.
func SetupDefaultLogging(level string) {
	SetupLogging(level, "json", os.Stderr)
}

// Logger returns a contextualized logger for a component.
func Logger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithQueryID adds query ID to logger context.
func WithQueryID(logger zerolog.Logger, queryID string) zerolog.Logger {
	return logger.With().Str("query_id", queryID).Logger()
}

// WithSessionID adds session ID to logger context.
func WithSessionID(logger zerolog.Logger, sessionID string) zerolog.Logger {
	return logger.With().Str("session_id", sessionID).Logger()
}

// Event types for structured logging
const (
	EventQueryReceived   = "query_received"
	EventModeResolved    = "mode_resolved"
	EventPathStarted     = "path_started"
	EventPathCompleted   = "path_completed"
	EventPathDegraded    = "path_degraded"
	EventCacheHit        = "cache_hit"
	EventCacheEviction   = "cache_eviction"
	EventStreamCancelled = "stream_cancelled"
	EventDaemonStarted   = "daemon_started"
	EventDaemonStopped   = "daemon_stopped"
)

// LogEvent logs a structured event.
func LogEvent(logger zerolog.Logger, event string, fields map[string]interface{}) {
	e := logger.Info().Str("event", event)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg("")
}

// LogError logs an error with context.
func LogError(logger zerolog.Logger, err error, message string, fields map[string]interface{}) {
	e := logger.Error().Err(err)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(message)
}
