// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package eventbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// IngestHandlerName names the consumer handler on the router.
const IngestHandlerName = "signal-ingest"

// Router consumes the ingest subject.
type Router struct {
	router *message.Router
}

// NewRouter builds a Watermill router that feeds ingest. Failed messages
// are retried, then published to the poison subject when poison is set.
func NewRouter(cfg Config, sub message.Subscriber, poison message.Publisher, ingest *Ingestor, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = 30 * time.Second
	}

	r, err := message.NewRouter(message.RouterConfig{CloseTimeout: closeTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	// Poison queue is outermost so it sees the error left after retries.
	if poison != nil && cfg.PoisonSubject != "" {
		pq, err := middleware.PoisonQueue(poison, cfg.PoisonSubject)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		r.AddMiddleware(pq)
	}
	r.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Logger:          logger,
	}
	r.AddMiddleware(retry.Middleware)

	r.AddConsumerHandler(IngestHandlerName, cfg.IngestSubject, sub, ingest.Handle)
	return &Router{router: r}, nil
}

// RunWithContext runs the router until ctx is cancelled.
func (r *Router) RunWithContext(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running is closed once the router has started its handlers.
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

// Close stops the router.
func (r *Router) Close() error {
	return r.router.Close()
}
