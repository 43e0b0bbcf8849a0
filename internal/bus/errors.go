// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrDepthExceeded is returned when a handler publishes a signal that
	// would exceed the cascade depth cap. The signal is dropped.
	ErrDepthExceeded = errors.New("signal cascade depth exceeded")

	// ErrClosed is returned when publishing to a closed bus.
	ErrClosed = errors.New("signal bus is closed")

	// ErrInvalidSubscription is returned for subscriptions to unknown types
	// or with a nil handler.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// HandlerError wraps a failure raised by a subscriber. It is logged and
// recorded as a diagnostic; it never aborts sibling handlers or the publish.
type HandlerError struct {
	Handler  string
	SignalID string
	Panicked bool
	Err      error
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler %s panicked on signal %s: %v", e.Handler, e.SignalID, e.Err)
	}
	return fmt.Sprintf("handler %s failed on signal %s: %v", e.Handler, e.SignalID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
