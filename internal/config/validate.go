// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"fmt"

	"github.com/tomtom215/vigil/internal/authz"
	"github.com/tomtom215/vigil/internal/oncall"
	"github.com/tomtom215/vigil/internal/validation"
)

// Validate checks field constraints and the cross-field rules the tags
// cannot express. Playbook definitions are checked against the action
// handlers when the executor is built.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if _, err := c.OnCall.Manager(); err != nil {
		return err
	}
	for name := range c.OnCall.Roster {
		if _, err := oncall.ParseTier(name); err != nil {
			return fmt.Errorf("oncall.roster: %w", err)
		}
	}
	if c.Authz.JWTSecret != "" && len(c.Authz.JWTSecret) < authz.MinSecretLength {
		return fmt.Errorf("authz.jwt_secret must be at least %d characters", authz.MinSecretLength)
	}
	if c.NATS.Enabled && !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled without the embedded server")
	}
	if c.NATS.Enabled && c.NATS.EmbeddedServer && c.NATS.JetStream && c.NATS.StoreDir == "" {
		return fmt.Errorf("nats.store_dir is required for the embedded server with jetstream")
	}
	return nil
}
