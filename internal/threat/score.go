// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package threat

import (
	"math"
	"time"

	"github.com/tomtom215/vigil/internal/signals"
)

// RiskLevel is the bucket a score falls into.
type RiskLevel string

const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskLow      RiskLevel = "LOW"
)

// LevelFor maps a score to its risk level.
func LevelFor(score float64) RiskLevel {
	switch {
	case score >= 85:
		return RiskCritical
	case score >= 70:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Components is the breakdown of a score.
type Components struct {
	Severity     float64 `json:"severity"`
	Confidence   float64 `json:"confidence"`
	TypeBonus    float64 `json:"type_bonus"`
	PatternBonus float64 `json:"pattern_bonus"`
	AnomalyBonus float64 `json:"anomaly_bonus"`
}

// Sum adds the components.
func (c Components) Sum() float64 {
	return c.Severity + c.Confidence + c.TypeBonus + c.PatternBonus + c.AnomalyBonus
}

// Score is the immutable scoring result for one signal.
type Score struct {
	SignalID   string           `json:"signal_id"`
	Source     string           `json:"source"`
	SignalType signals.Type     `json:"signal_type"`
	Severity   signals.Severity `json:"severity"`
	Score      float64          `json:"score"`
	RiskLevel  RiskLevel        `json:"risk_level"`
	Components Components       `json:"components"`
	ScoredAt   time.Time        `json:"scored_at"`
}

// Weights are the tunable scoring constants.
type Weights struct {
	SeverityCritical float64 `koanf:"severity_critical" validate:"gte=0"`
	SeverityHigh     float64 `koanf:"severity_high" validate:"gte=0"`
	SeverityMedium   float64 `koanf:"severity_medium" validate:"gte=0"`
	SeverityLow      float64 `koanf:"severity_low" validate:"gte=0"`
	Confidence       float64 `koanf:"confidence" validate:"gte=0"`
	TypeBonus        float64 `koanf:"type_bonus" validate:"gte=0"`
	PatternPerSignal float64 `koanf:"pattern_per_signal" validate:"gte=0"`
	PatternMax       float64 `koanf:"pattern_max" validate:"gte=0"`
	AnomalyBonus     float64 `koanf:"anomaly_bonus" validate:"gte=0"`
}

// DefaultWeights returns the default scoring constants.
func DefaultWeights() Weights {
	return Weights{
		SeverityCritical: 25,
		SeverityHigh:     18,
		SeverityMedium:   10,
		SeverityLow:      4,
		Confidence:       35,
		TypeBonus:        20,
		PatternPerSignal: 5,
		PatternMax:       10,
		AnomalyBonus:     15,
	}
}

func (w Weights) severity(s signals.Severity) float64 {
	switch s {
	case signals.SeverityCritical:
		return w.SeverityCritical
	case signals.SeverityHigh:
		return w.SeverityHigh
	case signals.SeverityMedium:
		return w.SeverityMedium
	case signals.SeverityLow:
		return w.SeverityLow
	}
	return 0
}

// Context is the correlated history a score depends on.
type Context struct {
	// RecentFromSource counts non-derived signals from the source inside
	// the pattern window, including the one being scored.
	RecentFromSource int
	// CorrelatedAnomaly is set when another anomaly_detected signal for the
	// source exists inside the correlation window.
	CorrelatedAnomaly bool
}

// Compute scores sig. It is a pure function of its inputs.
func Compute(w Weights, sig signals.Signal, c Context) (float64, Components) {
	comp := Components{
		Severity:   w.severity(sig.Severity),
		Confidence: round2(sig.Confidence * w.Confidence),
	}
	if sig.Type == signals.TypeThreatDetected || sig.Type == signals.TypeUnauthorizedAccess {
		comp.TypeBonus = w.TypeBonus
	}
	if c.RecentFromSource >= 2 {
		comp.PatternBonus = math.Min(w.PatternMax, w.PatternPerSignal*float64(c.RecentFromSource-1))
	}
	if c.CorrelatedAnomaly {
		comp.AnomalyBonus = w.AnomalyBonus
	}
	return clamp(round2(comp.Sum()), 0, 100), comp
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
