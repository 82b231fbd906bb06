// Package logging builds the single structured logger threaded through
// core.Core. There is no package-level global logger; every component
// receives its logger explicitly at construction.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/gateway/internal/config"
)

// New builds a zerolog.Logger configured per the gateway's log level and format.
func New(level config.LogLevel, format config.LogFormat) zerolog.Logger {
	var output io.Writer = os.Stdout

	var zlevel zerolog.Level
	switch level {
	case config.LogLevelDebug:
		zlevel = zerolog.DebugLevel
	case config.LogLevelInfo:
		zlevel = zerolog.InfoLevel
	case config.LogLevelWarn:
		zlevel = zerolog.WarnLevel
	case config.LogLevelError:
		zlevel = zerolog.ErrorLevel
	default:
		zlevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zlevel)

	if format == config.LogFormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", "gateway").
		Logger()
}

// RecoverPanic is used in every long-lived goroutine's defer to keep a
// single panic from taking down the process.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r)
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
