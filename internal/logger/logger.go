// Package logger holds the process-wide zerolog logger and helpers that
// scope it to a component, request or machine.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger. Until Init is called it discards everything.
var Logger zerolog.Logger

// Init configures Logger to write JSON to stdout
func Init(level string) {
	InitWithWriter(level, os.Stdout)
}

// InitWithWriter configures Logger to write to out. ENV=development switches
// to human-readable console output.
func InitWithWriter(level string, out io.Writer) {
	lvl, ok := parseLevel(level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if os.Getenv("ENV") == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().
		Timestamp().
		Str("service", "faultwatch")
	if host, err := os.Hostname(); err == nil {
		ctx = ctx.Str("host", host)
	}
	Logger = ctx.Caller().Logger()

	Logger.Info().Str("level", lvl.String()).Msg("logger initialized")
}

// SetLevel changes the global level at runtime. Unknown names are ignored.
func SetLevel(level string) {
	if lvl, ok := parseLevel(level); ok {
		zerolog.SetGlobalLevel(lvl)
	}
}

func parseLevel(level string) (zerolog.Level, bool) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.NoLevel, false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, false
	}
	return lvl, true
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithMachine returns a component logger scoped to one machine
func WithMachine(component, machineID string) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("machine_id", machineID).
		Logger()
}
