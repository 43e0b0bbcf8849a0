// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package notify delivers approval requests and on-call pages to people.
//
// The pipeline never blocks on delivery: owners hand a message to the
// Dispatcher, which runs the Notifier in the background and reports the
// outcome through a callback. A failed delivery is reported as a
// DeliveryFailure and recorded by the owner; retries with backoff are the
// delegate's concern, not the pipeline's.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

// Kind classifies a message.
type Kind string

const (
	KindApprovalRequest Kind = "approval_request"
	KindEscalation      Kind = "escalation"
	KindAction          Kind = "action"
)

// Message is delivered to a single identity.
type Message struct {
	Kind    Kind           `json:"kind"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Ref     string         `json:"ref,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// Notifier sends a message to an identity.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, identity string, msg Message) error
}

// DeliveryFailure reports a notification that could not be sent.
type DeliveryFailure struct {
	Channel  string
	Identity string
	Ref      string
	Err      error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver %s to %s via %s: %v", e.Ref, e.Identity, e.Channel, e.Err)
}

func (e *DeliveryFailure) Unwrap() error {
	return e.Err
}

// LogNotifier writes messages to the structured log. It is the fallback when
// no external channel is configured.
type LogNotifier struct{}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Name returns the notifier name.
func (n *LogNotifier) Name() string {
	return "log"
}

// Notify logs msg.
func (n *LogNotifier) Notify(ctx context.Context, identity string, msg Message) error {
	logging.Ctx(ctx).Info().
		Str("identity", identity).
		Str("kind", string(msg.Kind)).
		Str("ref", msg.Ref).
		Str("subject", msg.Subject).
		Msg("Notification")
	return nil
}

// multiNotifier sends through every notifier and fails if any failed.
type multiNotifier struct {
	notifiers []Notifier
}

// Multi combines notifiers. Every notifier is attempted; errors are joined.
func Multi(notifiers ...Notifier) Notifier {
	if len(notifiers) == 1 {
		return notifiers[0]
	}
	return &multiNotifier{notifiers: notifiers}
}

func (m *multiNotifier) Name() string {
	return "multi"
}

func (m *multiNotifier) Notify(ctx context.Context, identity string, msg Message) error {
	var errs []error
	for _, n := range m.notifiers {
		err := n.Notify(ctx, identity, msg)
		metrics.RecordNotification(n.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
