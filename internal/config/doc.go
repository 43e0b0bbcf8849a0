// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package config loads Vigil configuration with koanf.
//
// Sources are layered, later ones winning:
//
//  1. Built-in defaults (defaultConfig)
//  2. A YAML file: $CONFIG_PATH, ./config.yaml, ./config.yml,
//     /etc/vigil/config.yaml or /etc/vigil/config.yml (first found)
//  3. Environment variables, through an explicit allow-list mapping such as
//     LOG_LEVEL -> logging.level or NATS_URL -> nats.url
//
// The result is validated with the shared validator before use. Playbook
// definitions and the on-call roster are normally set in the YAML file:
//
//	playbook:
//	  approval_timeout: 30m
//	  approvers: [soc-lead]
//	  playbooks:
//	    - id: account-compromise
//	      trigger_types: [unauthorized_access, brute_force]
//	      actions:
//	        - kind: revoke_access
//	          params: {subject: "${payload.user}"}
//	oncall:
//	  shift_length: 2h
//	  epoch: "2024-01-01T00:00:00Z"
//	  roster:
//	    P1: [alice, bob]
//	    P2: [carol]
package config
