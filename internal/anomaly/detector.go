// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package anomaly maintains a rolling confidence profile per source and
// publishes anomaly_detected signals when a new signal deviates sharply from
// its source's history.
//
// Scoring:
//
//	z     = (confidence - mean) / max(stdev, MinStdDev)
//	score = min(1, |z| / 3)
//	      + NoveltyBonus        if the type was never seen from the source
//	      + LowConfidenceBonus  if confidence < LowConfidenceThreshold
//	clamped to [0, 1]
//
// A fresh source has no history, so it is compared against PriorMean with
// MinStdDev. Baselines update on every signal whether or not it was
// anomalous. Derived signals (anomaly_detected, escalation_required) are
// ignored so the detector never profiles its own output.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/tomtom215/vigil/internal/bus"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/signals"
	"github.com/tomtom215/vigil/internal/store"
)

// Detection methods reported in anomaly payloads.
const (
	MethodZScore              = "z_score"
	MethodNovelty             = "novelty"
	MethodConfidenceDeviation = "confidence_deviation"
)

// zScoreMethodFloor is the |z| at which the z-score is named as a
// contributing method.
const zScoreMethodFloor = 1.5

// Config holds detector tuning. The bonus weights are tunable defaults.
type Config struct {
	WindowSize             int     `koanf:"window_size" validate:"min=2"`
	MinStdDev              float64 `koanf:"min_stddev" validate:"gt=0"`
	PriorMean              float64 `koanf:"prior_mean" validate:"gte=0,lte=1"`
	Threshold              float64 `koanf:"threshold" validate:"gte=0,lte=1"`
	NoveltyBonus           float64 `koanf:"novelty_bonus" validate:"gte=0,lte=1"`
	LowConfidenceBonus     float64 `koanf:"low_confidence_bonus" validate:"gte=0,lte=1"`
	LowConfidenceThreshold float64 `koanf:"low_confidence_threshold" validate:"gte=0,lte=1"`
	MaxRecentTypes         int     `koanf:"max_recent_types" validate:"min=1"`
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:             100,
		MinStdDev:              0.1,
		PriorMean:              0.5,
		Threshold:              0.6,
		NoveltyBonus:           0.35,
		LowConfidenceBonus:     0.2,
		LowConfidenceThreshold: 0.3,
		MaxRecentTypes:         32,
	}
}

// SignalBus is the part of the bus the detector uses.
type SignalBus interface {
	Publish(ctx context.Context, sig signals.Signal) (bus.PublishResult, error)
	History(f signals.Filter) []signals.Signal
}

// Store persists baselines. *store.Store satisfies it.
type Store interface {
	Put(ctx context.Context, table store.Table, key string, v interface{}) error
	Scan(ctx context.Context, table store.Table, fn func(key string, data []byte) error) error
}

// Assessment is the result of scoring one signal against its baseline.
type Assessment struct {
	Score        float64
	ZScore       float64
	BaselineMean float64
	Methods      []string
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithStore enables baseline persistence.
func WithStore(s Store) Option {
	return func(d *Detector) { d.store = s }
}

// Detector owns every per-source baseline.
type Detector struct {
	config Config
	bus    SignalBus
	store  Store
	now    func() time.Time

	mu       sync.RWMutex
	profiles map[string]*profile
}

// NewDetector creates a detector publishing to b.
func NewDetector(cfg Config, b SignalBus, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.WindowSize < 2 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinStdDev <= 0 {
		cfg.MinStdDev = def.MinStdDev
	}
	if cfg.MaxRecentTypes <= 0 {
		cfg.MaxRecentTypes = def.MaxRecentTypes
	}

	d := &Detector{
		config:   cfg,
		bus:      b,
		now:      time.Now,
		profiles: make(map[string]*profile),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnSignal is the bus handler. It scores sig, updates the source baseline and
// publishes an anomaly when the score exceeds the threshold.
func (d *Detector) OnSignal(ctx context.Context, sig signals.Signal) error {
	if sig.Type.Derived() {
		return nil
	}

	d.mu.Lock()
	p, ok := d.profiles[sig.Source]
	if !ok {
		p = newProfile(sig.Source, d.config.WindowSize, d.config.MaxRecentTypes)
		d.profiles[sig.Source] = p
		metrics.BaselinesTracked.Set(float64(len(d.profiles)))
	}
	a := d.assess(p, sig)
	p.add(sig.Confidence)
	p.observeType(sig.Type)
	p.lastUpdated = d.now().UTC()
	snap := p.snapshot()
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.Put(ctx, store.TableBaselines, snap.Source, snap); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("source", snap.Source).Msg("Failed to persist baseline")
		}
	}

	if a.Score <= d.config.Threshold {
		return nil
	}

	metrics.RecordAnomaly(a.Score, a.Methods)
	logging.Ctx(ctx).Info().
		Str("source", sig.Source).
		Str("type", string(sig.Type)).
		Float64("anomaly_score", a.Score).
		Float64("z_score", a.ZScore).
		Strs("methods", a.Methods).
		Msg("Anomaly detected")

	_, err := d.bus.Publish(ctx, anomalySignal(sig, a))
	if err != nil {
		return fmt.Errorf("publish anomaly for %s: %w", sig.ID, err)
	}
	return nil
}

// assess scores sig against p before p is updated with it.
func (d *Detector) assess(p *profile, sig signals.Signal) Assessment {
	mean := d.config.PriorMean
	std := d.config.MinStdDev
	if p.n > 0 {
		mean = p.mean
		std = math.Max(math.Sqrt(p.variance()), d.config.MinStdDev)
	}

	z := (sig.Confidence - mean) / std
	score := math.Min(1, math.Abs(z)/3)

	var methods []string
	if math.Abs(z) >= zScoreMethodFloor {
		methods = append(methods, MethodZScore)
	}
	if !p.seen(sig.Type) {
		score += d.config.NoveltyBonus
		methods = append(methods, MethodNovelty)
	}
	if sig.Confidence < d.config.LowConfidenceThreshold {
		score += d.config.LowConfidenceBonus
		methods = append(methods, MethodConfidenceDeviation)
	}

	return Assessment{
		Score:        clamp01(score),
		ZScore:       z,
		BaselineMean: mean,
		Methods:      methods,
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// anomalySignal builds the derived signal. It keeps the source of the
// original so correlation by source works downstream.
func anomalySignal(orig signals.Signal, a Assessment) signals.Signal {
	severity := signals.SeverityMedium
	if a.Score >= 0.9 {
		severity = signals.SeverityHigh
	}
	return signals.Signal{
		Type:       signals.TypeAnomalyDetected,
		Severity:   severity,
		Source:     orig.Source,
		Confidence: a.Score,
		Payload: map[string]any{
			"signal_id":     orig.ID,
			"original_type": string(orig.Type),
			"anomaly_score": a.Score,
			"methods":       a.Methods,
			"z_score":       a.ZScore,
			"baseline_mean": a.BaselineMean,
		},
	}
}

// Baseline returns the profile for source.
func (d *Detector) Baseline(source string) (Baseline, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[source]
	if !ok {
		return Baseline{}, false
	}
	return p.snapshot(), true
}

// Baselines returns every profile sorted by source.
func (d *Detector) Baselines() []Baseline {
	d.mu.RLock()
	out := make([]Baseline, 0, len(d.profiles))
	for _, p := range d.profiles {
		out = append(out, p.snapshot())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Restore loads persisted baselines. It replaces any in-memory state.
func (d *Detector) Restore(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	profiles := make(map[string]*profile)
	err := d.store.Scan(ctx, store.TableBaselines, func(key string, data []byte) error {
		var b Baseline
		if err := json.Unmarshal(data, &b); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("Skipping undecodable baseline")
			return nil
		}
		profiles[b.Source] = profileFromBaseline(b, d.config.WindowSize, d.config.MaxRecentTypes)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan baselines: %w", err)
	}

	d.mu.Lock()
	d.profiles = profiles
	d.mu.Unlock()
	metrics.BaselinesTracked.Set(float64(len(profiles)))
	return len(profiles), nil
}
