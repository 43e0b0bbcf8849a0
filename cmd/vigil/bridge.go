// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/vigil/internal/eventbridge"
	"github.com/tomtom215/vigil/internal/logging"
)

// bridge holds the NATS components. The router is created after the
// pipeline because ingestion publishes onto the bus.
type bridge struct {
	config     eventbridge.Config
	logger     watermill.LoggerAdapter
	server     *eventbridge.EmbeddedServer
	publisher  message.Publisher
	subscriber message.Subscriber
	forwarder  *eventbridge.Forwarder
}

// startBridge connects to NATS, starting an embedded server first when
// configured. It returns nil when the bridge is disabled.
func startBridge(cfg eventbridge.Config) (*bridge, error) {
	if !cfg.Enabled {
		logging.Info().Msg("NATS bridge disabled (NATS_ENABLED=false)")
		return nil, nil
	}

	b := &bridge{config: cfg, logger: logging.NewWatermillAdapter()}
	if cfg.EmbeddedServer {
		srv, err := eventbridge.NewEmbeddedServer(cfg)
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS server: %w", err)
		}
		b.server = srv
		b.config.URL = srv.ClientURL()
		logging.Info().Str("url", b.config.URL).Bool("jetstream", cfg.JetStream).Msg("Embedded NATS server started")
	}

	var err error
	if b.publisher, err = eventbridge.NewPublisher(b.config, b.logger); err != nil {
		b.close(context.Background())
		return nil, err
	}
	if b.subscriber, err = eventbridge.NewSubscriber(b.config, b.logger); err != nil {
		b.close(context.Background())
		return nil, err
	}
	if cfg.ForwardSubject != "" && len(cfg.ForwardTypes) > 0 {
		if b.forwarder, err = eventbridge.NewForwarder(b.publisher, cfg.ForwardSubject, cfg.ForwardTypes); err != nil {
			b.close(context.Background())
			return nil, err
		}
	}

	logging.Info().
		Str("url", b.config.URL).
		Str("ingest_subject", cfg.IngestSubject).
		Str("forward_subject", cfg.ForwardSubject).
		Strs("forward_types", cfg.ForwardTypes).
		Msg("NATS bridge connected")
	return b, nil
}

// router builds the ingest router feeding pub.
func (b *bridge) router(pub eventbridge.SignalPublisher) (*eventbridge.Router, error) {
	return eventbridge.NewRouter(b.config, b.subscriber, b.publisher, eventbridge.NewIngestor(pub), b.logger)
}

// close releases the connections, then stops the embedded server.
func (b *bridge) close(ctx context.Context) {
	if b.subscriber != nil {
		if err := b.subscriber.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing NATS subscriber")
		}
	}
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing NATS publisher")
		}
	}
	if b.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := b.server.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
		}
	}
}
