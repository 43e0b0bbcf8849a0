// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package eventbridge

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/tomtom215/vigil/internal/bus"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/signals"
)

// SignalPublisher is the part of the bus the ingestor needs.
type SignalPublisher interface {
	Publish(ctx context.Context, sig signals.Signal) (bus.PublishResult, error)
}

// Ingestor feeds broker messages into the bus.
type Ingestor struct {
	bus SignalPublisher
}

// NewIngestor creates an ingestor publishing to b.
func NewIngestor(b SignalPublisher) *Ingestor {
	return &Ingestor{bus: b}
}

// Handle is a Watermill consumer handler. Returning nil acknowledges the
// message; messages that can never succeed are acknowledged and dropped.
func (i *Ingestor) Handle(msg *message.Message) error {
	ctx := logging.ContextWithCorrelationID(msg.Context(), correlationID(msg))
	logger := logging.Ctx(ctx)

	sig, err := Decode(msg)
	if err != nil {
		metrics.RecordBridgeMessage("ingest", err)
		logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping undecodable signal message")
		return nil
	}

	res, err := i.bus.Publish(ctx, sig)
	switch {
	case errors.Is(err, signals.ErrValidation):
		metrics.RecordBridgeMessage("ingest", err)
		logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping invalid signal message")
		return nil
	case err != nil:
		metrics.RecordBridgeMessage("ingest", err)
		return err
	}

	metrics.RecordBridgeMessage("ingest", nil)
	logger.Debug().
		Str("message_uuid", msg.UUID).
		Str("signal_id", res.ID).
		Bool("duplicate", res.Duplicate).
		Msg("Signal ingested")
	return nil
}
