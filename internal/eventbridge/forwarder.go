// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package eventbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/signals"
)

// Forwarder publishes bus signals to the broker.
type Forwarder struct {
	publisher message.Publisher
	topic     string
	types     []signals.Type
	breaker   *gobreaker.CircuitBreaker[struct{}]
}

// NewForwarder creates a forwarder for the given signal types.
func NewForwarder(publisher message.Publisher, topic string, types []string) (*Forwarder, error) {
	if topic == "" {
		return nil, fmt.Errorf("forward subject is required")
	}
	f := &Forwarder{publisher: publisher, topic: topic}
	for _, t := range types {
		typ, err := signals.ParseType(t)
		if err != nil {
			return nil, fmt.Errorf("forward types: %w", err)
		}
		f.types = append(f.types, typ)
	}

	name := "bridge-forward"
	f.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return f, nil
}

// Types returns the signal types to subscribe the forwarder to.
func (f *Forwarder) Types() []signals.Type {
	return append([]signals.Type(nil), f.types...)
}

// OnSignal is the bus handler. Publish failures are returned so the bus
// records them as handler errors.
func (f *Forwarder) OnSignal(ctx context.Context, sig signals.Signal) error {
	msg, err := Encode(sig)
	if err != nil {
		return err
	}
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set(MetadataCorrelationID, id)
	}
	_, err = f.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, f.publisher.Publish(f.topic, msg)
	})
	metrics.RecordBridgeMessage("forward", err)
	if err != nil {
		return fmt.Errorf("forward signal %s: %w", sig.ID, err)
	}
	return nil
}
