// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"golang.org/x/time/rate"
)

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	URL       string            `koanf:"url" validate:"omitempty,url"`
	Headers   map[string]string `koanf:"headers"`
	Timeout   time.Duration     `koanf:"timeout"`
	RateLimit float64           `koanf:"rate_limit" validate:"gte=0"` // requests per second, 0 = unlimited
	Burst     int               `koanf:"burst" validate:"gte=0"`
}

// WebhookPayload is the JSON body posted to the endpoint.
type WebhookPayload struct {
	Identity  string    `json:"identity"`
	Message   Message   `json:"message"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// WebhookNotifier posts messages to an HTTP endpoint behind a rate limiter
// and circuit breaker.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]

	mu sync.RWMutex
}

const webhookBreakerName = "notify-webhook"

// NewWebhookNotifier creates a webhook notifier.
// Circuit breaker configuration:
// - opens after 5 consecutive failures
// - 30 second wait before probing again
// - 1 request allowed while half-open
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	metrics.CircuitBreakerState.WithLabelValues(webhookBreakerName).Set(0)
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        webhookBreakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("[CIRCUIT BREAKER] State transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &WebhookNotifier{
		url:     cfg.URL,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		cb:      cb,
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}

// Name returns the notifier name.
func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// SetHeaders replaces the custom headers.
func (n *WebhookNotifier) SetHeaders(headers map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		n.headers[k] = v
	}
}

// Notify posts msg for identity.
func (n *WebhookNotifier) Notify(ctx context.Context, identity string, msg Message) error {
	if n.url == "" {
		return errors.New("webhook url not configured")
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	_, err := n.cb.Execute(func() (struct{}, error) {
		return struct{}{}, n.post(ctx, identity, msg)
	})
	return err
}

func (n *WebhookNotifier) post(ctx context.Context, identity string, msg Message) error {
	body, err := json.Marshal(WebhookPayload{
		Identity:  identity,
		Message:   msg,
		EventType: string(msg.Kind),
		Timestamp: time.Now().UTC(),
		Source:    "vigil",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	n.mu.RLock()
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}
	n.mu.RUnlock()

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
