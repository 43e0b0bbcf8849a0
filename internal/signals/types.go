// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package signals defines the immutable Signal record that flows through the
// detection and response pipeline, along with its closed type and severity
// enums and boundary validation.
//
// Pipeline Architecture:
//
//	Collaborator -> Bus.Publish -> Anomaly Detector -> Threat Scorer
//	                                     |                  |
//	                                     v                  v
//	                              anomaly_detected   escalation_required
//	                                                        |
//	                                         Playbook Executor / On-Call
//
// A Signal is never mutated after publish; corrections are new signals that
// reference the old one through their payload.
package signals

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Type identifies what kind of event a signal describes.
type Type string

const (
	TypeThreatDetected     Type = "threat_detected"
	TypeAnomalyDetected    Type = "anomaly_detected"
	TypePolicyViolation    Type = "policy_violation"
	TypeComplianceIssue    Type = "compliance_issue"
	TypePIIExposure        Type = "pii_exposure"
	TypeUnauthorizedAccess Type = "unauthorized_access"
	TypeUserEscalation     Type = "user_escalation"
	TypeHumanOverride      Type = "human_override"
	TypeEscalationRequired Type = "escalation_required"
	TypeBruteForce         Type = "brute_force"
	TypeDataExfiltration   Type = "data_exfiltration"
	TypeMalwareDetected    Type = "malware_detected"
)

// Wildcard subscribes a handler to every signal type.
const Wildcard Type = "*"

var knownTypes = map[Type]struct{}{
	TypeThreatDetected:     {},
	TypeAnomalyDetected:    {},
	TypePolicyViolation:    {},
	TypeComplianceIssue:    {},
	TypePIIExposure:        {},
	TypeUnauthorizedAccess: {},
	TypeUserEscalation:     {},
	TypeHumanOverride:      {},
	TypeEscalationRequired: {},
	TypeBruteForce:         {},
	TypeDataExfiltration:   {},
	TypeMalwareDetected:    {},
}

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Derived reports whether signals of this type are produced by the pipeline
// itself rather than by an external collaborator.
func (t Type) Derived() bool {
	return t == TypeAnomalyDetected || t == TypeEscalationRequired
}

// Types returns every known signal type.
func Types() []Type {
	out := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}

// Severity indicates how serious a signal is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank orders severities; critical is highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Signal is an immutable record of something that happened.
type Signal struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type" validate:"required,signal_type"`
	Severity   Severity       `json:"severity" validate:"required,severity"`
	Source     string         `json:"source" validate:"required,max=256"`
	Confidence float64        `json:"confidence" validate:"gte=0,lte=1"`
	Payload    map[string]any `json:"payload,omitempty"`
	DedupKey   string         `json:"dedup_key,omitempty" validate:"max=512"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Clone returns a copy whose payload map is independent of the original.
func (s Signal) Clone() Signal {
	if s.Payload != nil {
		s.Payload = maps.Clone(s.Payload)
	}
	return s
}

// PayloadString returns a string payload value, or "" when absent or not a string.
func (s Signal) PayloadString(key string) string {
	if v, ok := s.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadFloat returns a numeric payload value.
func (s Signal) PayloadFloat(key string) (float64, bool) {
	switch v := s.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// NewID returns a time-ordered identifier (UUIDv7) so lexical order follows
// creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Filter selects signals from history. Zero-valued fields match everything.
type Filter struct {
	Types   []Type    `json:"types,omitempty"`
	Sources []string  `json:"sources,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	Until   time.Time `json:"until,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

// Matches reports whether sig passes the filter (Limit is not considered).
func (f Filter) Matches(sig *Signal) bool {
	if len(f.Types) > 0 && !containsType(f.Types, sig.Type) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, sig.Source) {
		return false
	}
	if !f.Since.IsZero() && sig.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !sig.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func containsType(types []Type, t Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
