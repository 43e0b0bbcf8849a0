// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	signalIDKey      contextKey = "signal_id"
)

// GenerateCorrelationID creates a short correlation ID (first 8 chars of a UUID).
func GenerateCorrelationID() string {
	return uuid.New().String()[:8]
}

// ContextWithCorrelationID returns a new context with the given correlation ID.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// ContextWithNewCorrelationID returns a context with a freshly generated correlation ID.
func ContextWithNewCorrelationID(ctx context.Context) context.Context {
	return ContextWithCorrelationID(ctx, GenerateCorrelationID())
}

// CorrelationIDFromContext retrieves the correlation ID, or "" when absent.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithSignalID tags the context with the signal currently being dispatched.
func ContextWithSignalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, signalIDKey, id)
}

// SignalIDFromContext retrieves the signal ID, or "" when absent.
func SignalIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(signalIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns the global logger with the context's correlation and signal IDs attached.
//
//	logging.Ctx(ctx).Info().Msg("playbook matched")
func Ctx(ctx context.Context) *zerolog.Logger {
	logCtx := Logger().With()
	if id := CorrelationIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("correlation_id", id)
	}
	if id := SignalIDFromContext(ctx); id != "" {
		logCtx = logCtx.Str("signal_id", id)
	}
	l := logCtx.Logger()
	return &l
}
