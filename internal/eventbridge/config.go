// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package eventbridge

import "time"

// Config holds bridge, client and embedded server settings.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// URL of the NATS server. Ignored when EmbeddedServer is set.
	URL string `koanf:"url"`

	EmbeddedServer bool   `koanf:"embedded_server"`
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	StoreDir       string `koanf:"store_dir"`

	// JetStream enables durable streams. Subjects are provisioned
	// automatically.
	JetStream bool `koanf:"jetstream"`

	IngestSubject  string   `koanf:"ingest_subject" validate:"required_if=Enabled true"`
	ForwardSubject string   `koanf:"forward_subject"`
	ForwardTypes   []string `koanf:"forward_types"`
	PoisonSubject  string   `koanf:"poison_subject"`

	QueueGroup       string        `koanf:"queue_group"`
	DurableName      string        `koanf:"durable_name"`
	SubscribersCount int           `koanf:"subscribers_count" validate:"gte=0"`
	AckWaitTimeout   time.Duration `koanf:"ack_wait_timeout"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`

	RetryMaxRetries      int           `koanf:"retry_max_retries" validate:"gte=0"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	CloseTimeout         time.Duration `koanf:"close_timeout"`
}

// DefaultConfig returns the bridge defaults. The bridge is off unless
// enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:              false,
		URL:                  "nats://127.0.0.1:4222",
		EmbeddedServer:       true,
		Host:                 "127.0.0.1",
		Port:                 4222,
		StoreDir:             "data/nats",
		JetStream:            true,
		IngestSubject:        "vigil.signals.ingest",
		ForwardSubject:       "vigil.signals.forward",
		ForwardTypes:         []string{"escalation_required", "anomaly_detected"},
		PoisonSubject:        "vigil.signals.poison",
		QueueGroup:           "vigil",
		DurableName:          "vigil-ingest",
		SubscribersCount:     1,
		AckWaitTimeout:       30 * time.Second,
		MaxReconnects:        -1,
		ReconnectWait:        2 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: 100 * time.Millisecond,
		CloseTimeout:         30 * time.Second,
	}
}
