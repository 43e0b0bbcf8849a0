// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/api"
	"github.com/tomtom215/vigil/internal/authz"
	"github.com/tomtom215/vigil/internal/bus"
	"github.com/tomtom215/vigil/internal/eventbridge"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/notify"
	"github.com/tomtom215/vigil/internal/oncall"
	"github.com/tomtom215/vigil/internal/playbook"
	"github.com/tomtom215/vigil/internal/store"
	"github.com/tomtom215/vigil/internal/supervisor"
	"github.com/tomtom215/vigil/internal/threat"
)

// Config is the complete application configuration.
type Config struct {
	Logging  LoggingConfig      `koanf:"logging"`
	Store    StoreConfig        `koanf:"store"`
	Bus      bus.Config         `koanf:"bus"`
	Anomaly  anomaly.Config     `koanf:"anomaly"`
	Threat   threat.Config      `koanf:"threat"`
	Playbook playbook.Config    `koanf:"playbook"`
	OnCall   OnCallConfig       `koanf:"oncall"`
	Notify   NotifyConfig       `koanf:"notify"`
	NATS     eventbridge.Config `koanf:"nats"`
	Server   api.Config         `koanf:"server"`
	Authz    authz.Config       `koanf:"authz"`

	Supervisor supervisor.TreeConfig `koanf:"supervisor"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`

	// Format is json (production) or console (development).
	Format string `koanf:"format" validate:"oneof=json console"`

	// Caller adds file and line to each entry.
	Caller bool `koanf:"caller"`
}

// Logging converts to the logging package configuration.
func (c LoggingConfig) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Level
	cfg.Format = c.Format
	cfg.Caller = c.Caller
	cfg.Output = os.Stderr
	return cfg
}

// StoreConfig holds Badger settings.
type StoreConfig struct {
	Path             string        `koanf:"path" validate:"required_without=InMemory"`
	InMemory         bool          `koanf:"in_memory"`
	SyncWrites       bool          `koanf:"sync_writes"`
	Compression      bool          `koanf:"compression"`
	JournalRetention time.Duration `koanf:"journal_retention" validate:"gte=0"`
	GCInterval       time.Duration `koanf:"gc_interval" validate:"gte=0"`
	GCRatio          float64       `koanf:"gc_ratio" validate:"gt=0,lt=1"`
}

// Store converts to the store package configuration.
func (c StoreConfig) Store() store.Config {
	return store.Config{
		Path:             c.Path,
		InMemory:         c.InMemory,
		SyncWrites:       c.SyncWrites,
		Compression:      c.Compression,
		JournalRetention: c.JournalRetention,
		GCInterval:       c.GCInterval,
		GCRatio:          c.GCRatio,
	}
}

// OnCallConfig holds the rotation. Epoch is RFC 3339; Roster maps tier
// names (P1-P4) to identities in rotation order.
type OnCallConfig struct {
	ShiftLength time.Duration       `koanf:"shift_length" validate:"gt=0"`
	Epoch       string              `koanf:"epoch"`
	Roster      map[string][]string `koanf:"roster"`
}

// Manager converts to the oncall package configuration.
func (c OnCallConfig) Manager() (oncall.Config, error) {
	cfg := oncall.Config{
		ShiftLength: c.ShiftLength,
		Epoch:       oncall.DefaultEpoch,
		Roster:      c.Roster,
	}
	if c.Epoch != "" {
		epoch, err := time.Parse(time.RFC3339, c.Epoch)
		if err != nil {
			return oncall.Config{}, fmt.Errorf("oncall.epoch: %w", err)
		}
		cfg.Epoch = epoch.UTC()
	}
	return cfg, nil
}

// NotifyConfig selects notification channels. The log channel is always
// active; the webhook is added when a URL is set.
type NotifyConfig struct {
	Webhook    notify.WebhookConfig    `koanf:"webhook"`
	Dispatcher notify.DispatcherConfig `koanf:"dispatcher"`
}
