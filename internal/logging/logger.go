// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package logging provides centralized zerolog-based logging for Vigil.
//
// Every pipeline component logs through the global logger configured here:
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//	logging.Info().Str("source", sig.Source).Msg("Signal published")
//	logging.Ctx(ctx).Warn().Err(err).Msg("Handler failed")
//
// Entries from Ctx carry the correlation ID and the ID of the signal being
// dispatched. Always terminate log chains with .Msg() or .Send(); an
// unterminated event is never written.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is added to every entry.
const ServiceName = "vigil"

// QuietEnvVar silences the logger at package init when set to "1".
const QuietEnvVar = "VIGIL_QUIET_TESTS"

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: trace, debug, info, warn, error, fatal, panic.
	Level string

	// Format is json or console.
	Format string

	// Caller adds file and line to each entry.
	Caller bool

	Timestamp bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON at info level with timestamps.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "json",
		Timestamp: true,
		Output:    os.Stderr,
	}
}

var (
	mu     sync.RWMutex
	global zerolog.Logger
)

//nolint:gochecknoinits // components log before main calls Init
func init() {
	cfg := DefaultConfig()
	if os.Getenv(QuietEnvVar) == "1" {
		cfg.Level = "disabled"
	}
	global = build(cfg)
}

// Init replaces the global logger. It may be called more than once.
func Init(cfg Config) {
	l := build(cfg)
	mu.Lock()
	global = l
	mu.Unlock()
}

func build(cfg Config) zerolog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "time"
	zerolog.MessageFieldName = "message"

	out := cfg.Output
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05.000"}
	}

	ctx := zerolog.New(out).With().Str("service", ServiceName)
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

var levels = map[string]zerolog.Level{
	"trace":    zerolog.TraceLevel,
	"debug":    zerolog.DebugLevel,
	"info":     zerolog.InfoLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"fatal":    zerolog.FatalLevel,
	"panic":    zerolog.PanicLevel,
	"disabled": zerolog.Disabled,
}

// parseLevel maps a level name to zerolog. Unknown names mean info.
func parseLevel(level string) zerolog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// Logger returns a copy of the global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// SetLogger replaces the global logger, typically with NewTestLogger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

// NewTestLogger writes JSON entries to w.
//
//	var buf bytes.Buffer
//	logging.SetLogger(logging.NewTestLogger(&buf))
func NewTestLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

func event(level zerolog.Level) *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return global.WithLevel(level)
}

// Debug starts a debug entry.
func Debug() *zerolog.Event { return event(zerolog.DebugLevel) }

// Info starts an info entry.
func Info() *zerolog.Event { return event(zerolog.InfoLevel) }

// Warn starts a warning entry.
func Warn() *zerolog.Event { return event(zerolog.WarnLevel) }

// Error starts an error entry.
func Error() *zerolog.Event { return event(zerolog.ErrorLevel) }

// Fatal starts an entry that exits the process with status 1 once sent.
func Fatal() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return global.Fatal()
}
