// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package threat computes a 0-100 composite risk score for every signal and
// publishes escalation_required when the score is CRITICAL.
//
// The score adds severity, confidence, a type bonus for direct threats, a
// repetition bonus for bursts from one source, and a bonus when an anomaly
// was raised for the same source. Correlation reads the bus history, so the
// anomaly detector must be subscribed ahead of the scorer for an anomaly on
// the same signal to count.
package threat

import (
	"context"
	"fmt"
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

// Config holds scorer tuning.
type Config struct {
	Weights           Weights       `koanf:"weights"`
	PatternWindow     time.Duration `koanf:"pattern_window" validate:"gt=0"`
	CorrelationWindow time.Duration `koanf:"correlation_window" validate:"gt=0"`
	// MaxScores bounds the in-memory score index used for queries.
	MaxScores int `koanf:"max_scores" validate:"min=1"`
}

// DefaultConfig returns the default scorer configuration.
func DefaultConfig() Config {
	return Config{
		Weights:           DefaultWeights(),
		PatternWindow:     5 * time.Minute,
		CorrelationWindow: 5 * time.Minute,
		MaxScores:         10000,
	}
}

// SignalBus is the part of the bus the scorer uses.
type SignalBus interface {
	Publish(ctx context.Context, sig signals.Signal) (bus.PublishResult, error)
	History(f signals.Filter) []signals.Signal
}

// Store persists scores. *store.Store satisfies it.
type Store interface {
	Put(ctx context.Context, table store.Table, key string, v interface{}) error
	Delete(ctx context.Context, table store.Table, key string) error
	Scan(ctx context.Context, table store.Table, fn func(key string, data []byte) error) error
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithStore enables score persistence.
func WithStore(st Store) Option {
	return func(s *Scorer) { s.store = st }
}

// Scorer scores signals.
type Scorer struct {
	config Config
	bus    SignalBus
	store  Store
	now    func() time.Time

	mu     sync.RWMutex
	scores []Score
	byID   map[string]int
	offset int
}

// NewScorer creates a scorer publishing escalations to b.
func NewScorer(cfg Config, b SignalBus, opts ...Option) *Scorer {
	def := DefaultConfig()
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = def.PatternWindow
	}
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = def.CorrelationWindow
	}
	if cfg.MaxScores <= 0 {
		cfg.MaxScores = def.MaxScores
	}
	s := &Scorer{
		config: cfg,
		bus:    b,
		now:    time.Now,
		byID:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnSignal is the bus handler.
func (s *Scorer) OnSignal(ctx context.Context, sig signals.Signal) error {
	if sig.Type == signals.TypeEscalationRequired {
		return nil
	}

	value, comp := Compute(s.config.Weights, sig, s.correlate(sig))
	score := Score{
		SignalID:   sig.ID,
		Source:     sig.Source,
		SignalType: sig.Type,
		Severity:   sig.Severity,
		Score:      value,
		RiskLevel:  LevelFor(value),
		Components: comp,
		ScoredAt:   s.now().UTC(),
	}

	s.remember(ctx, score)
	metrics.RecordThreatScore(score.Score, string(score.RiskLevel))

	if s.store != nil {
		if err := s.store.Put(ctx, store.TableScores, score.SignalID, score); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("signal_id", score.SignalID).Msg("Failed to persist threat score")
		}
	}

	if score.RiskLevel != RiskCritical {
		return nil
	}

	logging.Ctx(ctx).Warn().
		Str("source", sig.Source).
		Str("type", string(sig.Type)).
		Float64("score", score.Score).
		Msg("Critical threat score, requesting escalation")

	_, err := s.bus.Publish(ctx, signals.Signal{
		Type:       signals.TypeEscalationRequired,
		Severity:   sig.Severity,
		Source:     sig.Source,
		Confidence: score.Score / 100,
		DedupKey:   "escalation:" + sig.ID,
		Payload: map[string]any{
			"signal_id":   sig.ID,
			"score":       score.Score,
			"risk_level":  string(score.RiskLevel),
			"signal_type": string(sig.Type),
		},
	})
	if err != nil {
		return fmt.Errorf("publish escalation for %s: %w", sig.ID, err)
	}
	return nil
}

// correlate gathers the history features for sig.
func (s *Scorer) correlate(sig signals.Signal) Context {
	window := s.config.PatternWindow
	if s.config.CorrelationWindow > window {
		window = s.config.CorrelationWindow
	}
	recent := s.bus.History(signals.Filter{
		Sources: []string{sig.Source},
		Since:   sig.CreatedAt.Add(-window),
	})

	var c Context
	patternSince := sig.CreatedAt.Add(-s.config.PatternWindow)
	correlationSince := sig.CreatedAt.Add(-s.config.CorrelationWindow)
	for i := range recent {
		r := &recent[i]
		if r.Type == signals.TypeAnomalyDetected {
			if r.ID != sig.ID && !r.CreatedAt.Before(correlationSince) {
				c.CorrelatedAnomaly = true
			}
			continue
		}
		if r.Type.Derived() || r.CreatedAt.Before(patternSince) || r.CreatedAt.After(sig.CreatedAt) {
			continue
		}
		c.RecentFromSource++
	}
	// the scored signal may already have been evicted from a tiny ring
	if !sig.Type.Derived() && c.RecentFromSource == 0 {
		c.RecentFromSource = 1
	}
	return c
}

// remember indexes a score, evicting the oldest when over capacity.
func (s *Scorer) remember(ctx context.Context, score Score) {
	s.mu.Lock()
	var evicted *Score
	if len(s.scores) >= s.config.MaxScores {
		old := s.scores[0]
		evicted = &old
		delete(s.byID, old.SignalID)
		s.scores = s.scores[1:]
		s.offset++
	}
	s.byID[score.SignalID] = s.offset + len(s.scores)
	s.scores = append(s.scores, score)
	s.mu.Unlock()

	if evicted != nil && s.store != nil {
		if err := s.store.Delete(ctx, store.TableScores, evicted.SignalID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("signal_id", evicted.SignalID).Msg("Failed to delete evicted score")
		}
	}
}

// ScoreOf returns the score computed for a signal.
func (s *Scorer) ScoreOf(signalID string) (Score, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[signalID]
	if !ok {
		return Score{}, false
	}
	return s.scores[idx-s.offset], true
}

// Timeline returns scores for source within window, oldest first.
func (s *Scorer) Timeline(source string, window time.Duration) []Score {
	since := s.now().UTC().Add(-window)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Score
	for _, sc := range s.scores {
		if sc.Source == source && !sc.ScoredAt.Before(since) {
			out = append(out, sc)
		}
	}
	return out
}

// SourceSummary aggregates scores for one source.
type SourceSummary struct {
	Source    string  `json:"source"`
	Count     int     `json:"count"`
	MeanScore float64 `json:"mean_score"`
	MaxScore  float64 `json:"max_score"`
}

// Summary aggregates scores over a window.
type Summary struct {
	Since      time.Time         `json:"since"`
	Until      time.Time         `json:"until"`
	Total      int               `json:"total"`
	MeanScore  float64           `json:"mean_score"`
	MaxScore   float64           `json:"max_score"`
	ByLevel    map[RiskLevel]int `json:"by_level"`
	TopSources []SourceSummary   `json:"top_sources"`
}

// maxTopSources caps Summary.TopSources.
const maxTopSources = 10

// Summary aggregates scores computed within window. Top sources are ranked by
// max score, then count, then name.
func (s *Scorer) Summary(window time.Duration) Summary {
	now := s.now().UTC()
	since := now.Add(-window)
	sum := Summary{
		Since:   since,
		Until:   now,
		ByLevel: map[RiskLevel]int{RiskCritical: 0, RiskHigh: 0, RiskMedium: 0, RiskLow: 0},
	}

	type agg struct {
		count int
		total float64
		max   float64
	}
	perSource := make(map[string]*agg)
	var total float64

	s.mu.RLock()
	for _, sc := range s.scores {
		if sc.ScoredAt.Before(since) {
			continue
		}
		sum.Total++
		sum.ByLevel[sc.RiskLevel]++
		total += sc.Score
		if sc.Score > sum.MaxScore {
			sum.MaxScore = sc.Score
		}
		a, ok := perSource[sc.Source]
		if !ok {
			a = &agg{}
			perSource[sc.Source] = a
		}
		a.count++
		a.total += sc.Score
		if sc.Score > a.max {
			a.max = sc.Score
		}
	}
	s.mu.RUnlock()

	if sum.Total > 0 {
		sum.MeanScore = round2(total / float64(sum.Total))
	}
	for src, a := range perSource {
		sum.TopSources = append(sum.TopSources, SourceSummary{
			Source:    src,
			Count:     a.count,
			MeanScore: round2(a.total / float64(a.count)),
			MaxScore:  a.max,
		})
	}
	sort.Slice(sum.TopSources, func(i, j int) bool {
		a, b := sum.TopSources[i], sum.TopSources[j]
		if a.MaxScore != b.MaxScore {
			return a.MaxScore > b.MaxScore
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Source < b.Source
	})
	if len(sum.TopSources) > maxTopSources {
		sum.TopSources = sum.TopSources[:maxTopSources]
	}
	return sum
}

// Restore reloads persisted scores, oldest first, keeping the newest
// MaxScores.
func (s *Scorer) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	var loaded []Score
	err := s.store.Scan(ctx, store.TableScores, func(key string, data []byte) error {
		var sc Score
		if err := json.Unmarshal(data, &sc); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("Skipping undecodable threat score")
			return nil
		}
		loaded = append(loaded, sc)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan scores: %w", err)
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].ScoredAt.Before(loaded[j].ScoredAt) })
	if len(loaded) > s.config.MaxScores {
		loaded = loaded[len(loaded)-s.config.MaxScores:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = loaded
	s.offset = 0
	s.byID = make(map[string]int, len(loaded))
	for i, sc := range loaded {
		s.byID[sc.SignalID] = i
	}
	return len(loaded), nil
}
