// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package eventbridge

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/signals"
)

// Metadata keys set on every forwarded message.
const (
	MetadataType          = "signal_type"
	MetadataSeverity      = "severity"
	MetadataSource        = "source"
	MetadataCorrelationID = "correlation_id"
)

// Encode turns a signal into a Watermill message keyed by the signal ID.
func Encode(sig signals.Signal) (*message.Message, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("encode signal %s: %w", sig.ID, err)
	}
	id := sig.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, data)
	msg.Metadata.Set(MetadataType, string(sig.Type))
	msg.Metadata.Set(MetadataSeverity, string(sig.Severity))
	msg.Metadata.Set(MetadataSource, sig.Source)
	return msg, nil
}

// Decode parses a message payload. A signal without a dedup key gets one
// derived from the message UUID. CreatedAt is always reassigned by the bus.
func Decode(msg *message.Message) (signals.Signal, error) {
	var sig signals.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		return signals.Signal{}, fmt.Errorf("decode message %s: %w", msg.UUID, err)
	}
	if sig.DedupKey == "" && msg.UUID != "" {
		sig.DedupKey = "msg:" + msg.UUID
	}
	return sig, nil
}

// correlationID reuses the sender's correlation ID when present.
func correlationID(msg *message.Message) string {
	if id := msg.Metadata.Get(MetadataCorrelationID); id != "" {
		return id
	}
	return logging.GenerateCorrelationID()
}
