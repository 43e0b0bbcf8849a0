// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package eventbridge connects the signal bus to NATS through Watermill.
//
// Inbound, a Watermill router consumes JSON-encoded signals from the ingest
// subject and publishes them onto the bus. Malformed or invalid messages are
// acknowledged and dropped; transient failures are retried and then moved to
// the poison subject. Each message's UUID becomes the signal's dedup key
// when none is set, so broker redeliveries collapse in the bus dedup window.
//
// Outbound, a Forwarder subscribes to escalation-class signal types and
// publishes them to the forward subject behind a circuit breaker, so a
// broker outage cannot stall bus dispatch.
//
// An embedded NATS server is available for single-node deployments.
package eventbridge
