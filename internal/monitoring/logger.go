package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  types.LogLevel
	Format types.LogFormat
	Output io.Writer // defaults to os.Stdout
}

// NewLogger creates a structured logger. JSON output unless Format is
// pretty, with timestamp, caller and a fixed service field.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: types.LogLevelInfo})
//	logger.Info().
//	    Str("component", "hub").
//	    Int("connections", 100).
//	    Msg("Sweep complete")
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	zerolog.SetGlobalLevel(parseLevel(config.Level))

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "gamecast").
		Logger()
}

func parseLevel(l types.LogLevel) zerolog.Level {
	switch l {
	case types.LogLevelDebug:
		return zerolog.DebugLevel
	case types.LogLevelWarn:
		return zerolog.WarnLevel
	case types.LogLevelError:
		return zerolog.ErrorLevel
	case types.LogLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogError logs an error with additional context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is deferred at the top of every long-lived goroutine. It
// logs the panic with its stack and lets the process keep running.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writer", map[string]any{"connection_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		LogPanic(logger, goroutineName, r, fields)
	}
}

// LogPanic records a recovered panic value with its stack. For callers that
// recover themselves because they must act on the panic.
func LogPanic(logger zerolog.Logger, goroutineName string, r any, fields map[string]any) {
	event := logger.Error().
		Str("goroutine", goroutineName).
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack()))

	for k, v := range fields {
		event = event.Interface(k, v)
	}

	event.Msg("Goroutine panic recovered")
	RecordError(ErrorTypePanic, SeverityCritical)
}

// InitGlobalLogger sets zerolog's package-level logger. Call once at startup.
func InitGlobalLogger(config LoggerConfig) zerolog.Logger {
	logger := NewLogger(config)
	log.Logger = logger
	return logger
}
