// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/api"
	"github.com/tomtom215/vigil/internal/authz"
	"github.com/tomtom215/vigil/internal/bus"
	"github.com/tomtom215/vigil/internal/eventbridge"
	"github.com/tomtom215/vigil/internal/notify"
	"github.com/tomtom215/vigil/internal/oncall"
	"github.com/tomtom215/vigil/internal/playbook"
	"github.com/tomtom215/vigil/internal/signals"
	"github.com/tomtom215/vigil/internal/supervisor"
	"github.com/tomtom215/vigil/internal/threat"
)

// DefaultConfigPaths lists where a config file is looked for, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/vigil/config.yaml",
	"/etc/vigil/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns every setting at its default. Defaults load first
// and are overridden by the file and then the environment.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Store: StoreConfig{
			Path:             "/data/vigil",
			SyncWrites:       true,
			JournalRetention: 7 * 24 * time.Hour,
			GCInterval:       10 * time.Minute,
			GCRatio:          0.5,
		},
		Bus:     bus.DefaultConfig(),
		Anomaly: anomaly.DefaultConfig(),
		Threat:  threat.DefaultConfig(),
		Playbook: playbook.Config{
			ApprovalTimeout: time.Hour,
			SweepInterval:   time.Minute,
			Approvers:       []string{"soc-lead"},
			Playbooks:       defaultPlaybooks(),
		},
		OnCall: OnCallConfig{
			ShiftLength: 2 * time.Hour,
			Epoch:       oncall.DefaultEpoch.Format(time.RFC3339),
		},
		Notify: NotifyConfig{
			Webhook: notify.WebhookConfig{
				Timeout:   10 * time.Second,
				RateLimit: 5,
				Burst:     10,
			},
			Dispatcher: notify.DefaultDispatcherConfig(),
		},
		NATS:   eventbridge.DefaultConfig(),
		Server: api.DefaultConfig(),
		Authz:  authz.DefaultConfig(),

		Supervisor: supervisor.DefaultTreeConfig(),
	}
}

// defaultPlaybooks ships one playbook per threat family. Params use
// placeholders resolved from the triggering signal.
func defaultPlaybooks() []playbook.Playbook {
	return []playbook.Playbook{
		{
			ID:           "account-compromise",
			Name:         "Account compromise containment",
			TriggerTypes: []signals.Type{signals.TypeUnauthorizedAccess, signals.TypeBruteForce},
			Actions: []playbook.Action{
				{Kind: playbook.ActionLogEvidence, Params: map[string]string{"signal": "${signal_id}", "source": "${source}"}},
				{Kind: playbook.ActionRevokeAccess, Params: map[string]string{"subject": "${payload.user}"}},
				{Kind: playbook.ActionResetCredentials, Params: map[string]string{"subject": "${payload.user}"}},
				{Kind: playbook.ActionNotify, Params: map[string]string{"message": "Access revoked for ${payload.user} after ${type} from ${source}"}},
			},
		},
		{
			ID:           "critical-escalation",
			Name:         "Critical risk escalation",
			TriggerTypes: []signals.Type{signals.TypeEscalationRequired},
			Actions: []playbook.Action{
				{Kind: playbook.ActionLogEvidence, Params: map[string]string{"signal": "${payload.signal_id}"}},
				{Kind: playbook.ActionEscalate, Params: map[string]string{"tier": "P1", "reason": "risk ${payload.score}"}},
				{Kind: playbook.ActionRequestForensics, Params: map[string]string{"target": "${source}"}},
			},
		},
		{
			ID:           "data-exfiltration",
			Name:         "Data exfiltration response",
			TriggerTypes: []signals.Type{signals.TypeDataExfiltration, signals.TypePIIExposure},
			Actions: []playbook.Action{
				{Kind: playbook.ActionLogEvidence, Params: map[string]string{"signal": "${signal_id}"}},
				{Kind: playbook.ActionBlockSource, Params: map[string]string{"source": "${payload.destination}"}},
				{Kind: playbook.ActionQuarantine, Params: map[string]string{"target": "${payload.host}"}},
				{Kind: playbook.ActionNotify},
			},
		},
		{
			ID:           "malware-containment",
			Name:         "Malware containment",
			TriggerTypes: []signals.Type{signals.TypeMalwareDetected},
			Actions: []playbook.Action{
				{Kind: playbook.ActionQuarantine, Params: map[string]string{"target": "${payload.host}"}},
				{Kind: playbook.ActionRequestForensics, Params: map[string]string{"target": "${payload.host}"}},
				{Kind: playbook.ActionNotify},
			},
		},
	}
}

// Load reads configuration from the default sources. See the package
// documentation for precedence.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile reads configuration using path as the YAML layer. An empty path
// skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are keys that accept comma-separated env values.
var sliceConfigPaths = []string{
	"playbook.approvers",
	"nats.forward_types",
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings is the allow-list of environment variables (lowercased).
var envMappings = map[string]string{
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"store_path":              "store.path",
	"store_in_memory":         "store.in_memory",
	"store_sync_writes":       "store.sync_writes",
	"store_journal_retention": "store.journal_retention",

	"bus_history_size": "bus.history_size",
	"bus_dedup_window": "bus.dedup_window",
	"bus_max_depth":    "bus.max_depth",

	"anomaly_window_size": "anomaly.window_size",
	"anomaly_threshold":   "anomaly.threshold",

	"threat_pattern_window":     "threat.pattern_window",
	"threat_correlation_window": "threat.correlation_window",

	"playbook_approval_timeout": "playbook.approval_timeout",
	"playbook_sweep_interval":   "playbook.sweep_interval",
	"playbook_approvers":        "playbook.approvers",

	"oncall_shift_length": "oncall.shift_length",
	"oncall_epoch":        "oncall.epoch",

	"notify_webhook_url":        "notify.webhook.url",
	"notify_webhook_rate_limit": "notify.webhook.rate_limit",
	"notify_max_concurrent":     "notify.dispatcher.max_concurrent",
	"notify_queue_size":         "notify.dispatcher.queue_size",

	"nats_enabled":         "nats.enabled",
	"nats_url":             "nats.url",
	"nats_embedded":        "nats.embedded_server",
	"nats_store_dir":       "nats.store_dir",
	"nats_jetstream":       "nats.jetstream",
	"nats_ingest_subject":  "nats.ingest_subject",
	"nats_forward_subject": "nats.forward_subject",
	"nats_forward_types":   "nats.forward_types",

	"http_host":           "server.host",
	"http_port":           "server.port",
	"cors_origins":        "server.cors_origins",
	"rate_limit_requests": "server.rate_limit_requests",
	"rate_limit_window":   "server.rate_limit_window",
	"disable_rate_limit":  "server.rate_limit_disabled",

	"authz_enabled":               "authz.enabled",
	"authz_model_path":            "authz.model_path",
	"authz_policy_path":           "authz.policy_path",
	"authz_default_role":          "authz.default_role",
	"authz_jwt_secret":            "authz.jwt_secret",
	"authz_jwt_issuer":            "authz.jwt_issuer",
	"authz_jwt_audience":          "authz.jwt_audience",
	"authz_trust_identity_header": "authz.trust_identity_header",

	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",
}

// envTransformFunc maps allow-listed variables to config keys. Anything
// else is skipped so unrelated environment cannot leak into config.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
