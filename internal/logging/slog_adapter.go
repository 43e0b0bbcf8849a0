// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// SlogHandler implements slog.Handler on top of zerolog so that sutureslog
// supervisor events land in the same stream as everything else. Groups are
// flattened into dotted keys.
type SlogHandler struct {
	logger zerolog.Logger
	prefix string
	attrs  []slog.Attr
}

// NewSlogHandler wraps the global logger.
func NewSlogHandler() *SlogHandler {
	return &SlogHandler{logger: Logger()}
}

// Enabled implements slog.Handler.
func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	zl := zerologLevel(level)
	return zl >= zerolog.GlobalLevel() && zl >= h.logger.GetLevel()
}

// Handle implements slog.Handler.
//
//nolint:gocritic // slog.Record is passed by value per slog.Handler interface
func (h *SlogHandler) Handle(_ context.Context, record slog.Record) error {
	e := h.logger.WithLevel(zerologLevel(record.Level))
	for _, a := range h.attrs {
		e = appendAttr(e, "", a)
	}
	record.Attrs(func(a slog.Attr) bool {
		e = appendAttr(e, h.prefix, a)
		return true
	})
	e.Msg(record.Message)
	return nil
}

// WithAttrs implements slog.Handler. Attributes are keyed under the groups
// open at the time of the call.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

// WithGroup implements slog.Handler.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func appendAttr(e *zerolog.Event, prefix string, a slog.Attr) *zerolog.Event {
	a.Value = a.Value.Resolve()
	key := prefix + a.Key
	v := a.Value

	switch v.Kind() {
	case slog.KindGroup:
		for _, ga := range v.Group() {
			e = appendAttr(e, key+".", ga)
		}
		return e
	case slog.KindString:
		return e.Str(key, v.String())
	case slog.KindInt64:
		return e.Int64(key, v.Int64())
	case slog.KindUint64:
		return e.Uint64(key, v.Uint64())
	case slog.KindFloat64:
		return e.Float64(key, v.Float64())
	case slog.KindBool:
		return e.Bool(key, v.Bool())
	case slog.KindDuration:
		return e.Dur(key, v.Duration())
	case slog.KindTime:
		return e.Time(key, v.Time())
	}
	if err, ok := v.Any().(error); ok {
		return e.AnErr(key, err)
	}
	return e.Interface(key, v.Any())
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	case level >= slog.LevelDebug:
		return zerolog.DebugLevel
	}
	return zerolog.TraceLevel
}

// NewSlogLogger returns an slog.Logger for the supervisor tree.
//
//	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()
func NewSlogLogger() *slog.Logger {
	return slog.New(NewSlogHandler().WithAttrs([]slog.Attr{slog.String("component", "supervisor")}))
}
