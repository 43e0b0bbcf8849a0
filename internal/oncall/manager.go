// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package oncall routes escalation_required signals to the on-call rotation
// and tracks how long acknowledgments take.
//
// Severity picks the tier (critical P1, high P2, medium P3; low is only
// logged). The assignee is derived from the tier's ordered roster with
// fixed-length shifts counted from a rotation epoch, so "who is on call" is
// a pure function of the clock and the roster. An empty tier falls back to
// the next more urgent one.
package oncall

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/notify"
	"github.com/tomtom215/vigil/internal/signals"
	"github.com/tomtom215/vigil/internal/store"
)

// DefaultEpoch is the rotation epoch used when none is configured.
var DefaultEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Config holds rotation settings. Roster maps tier names to identities in
// rotation order and seeds tiers that have nothing persisted yet.
type Config struct {
	ShiftLength time.Duration       `koanf:"shift_length" validate:"gt=0"`
	Epoch       time.Time           `koanf:"epoch"`
	Roster      map[string][]string `koanf:"roster"`
}

// DefaultConfig returns a two-hour rotation with an empty roster.
func DefaultConfig() Config {
	return Config{
		ShiftLength: 2 * time.Hour,
		Epoch:       DefaultEpoch,
	}
}

// Dispatcher delivers notifications without blocking.
type Dispatcher interface {
	Dispatch(ctx context.Context, identity string, msg notify.Message, done notify.ResultFunc)
}

// Store persists records and the roster. *store.Store satisfies it.
type Store interface {
	Put(ctx context.Context, table store.Table, key string, v interface{}) error
	Scan(ctx context.Context, table store.Table, fn func(key string, data []byte) error) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStore enables persistence.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// Record is one on-call notification.
type Record struct {
	ID string `json:"id"`
	// SignalID is the signal that was scored CRITICAL; EscalationID is the
	// escalation_required signal that carried it.
	SignalID       string           `json:"signal_id"`
	EscalationID   string           `json:"escalation_signal_id"`
	Source         string           `json:"source"`
	Severity       signals.Severity `json:"severity"`
	Tier           Tier             `json:"tier"`
	RequestedTier  Tier             `json:"requested_tier"`
	Assignee       string           `json:"assignee"`
	NotifiedAt     time.Time        `json:"notified_at"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at"`
	AcknowledgedBy string           `json:"acknowledged_by,omitempty"`
	DeliveryError  string           `json:"delivery_error,omitempty"`
}

// Acknowledged reports whether the record has been acknowledged.
func (r Record) Acknowledged() bool {
	return r.AcknowledgedAt != nil
}

// TimeToAcknowledge is zero until acknowledged.
func (r Record) TimeToAcknowledge() time.Duration {
	if r.AcknowledgedAt == nil {
		return 0
	}
	return r.AcknowledgedAt.Sub(r.NotifiedAt)
}

// Manager owns the roster and escalation records.
type Manager struct {
	config     Config
	dispatcher Dispatcher
	store      Store
	now        func() time.Time

	mu           sync.RWMutex
	roster       map[Tier][]string
	records      map[string]*Record
	byEscalation map[string]string
}

// NewManager creates a manager with the configured roster.
func NewManager(cfg Config, dispatcher Dispatcher, opts ...Option) (*Manager, error) {
	if cfg.ShiftLength <= 0 {
		cfg.ShiftLength = DefaultConfig().ShiftLength
	}
	if cfg.Epoch.IsZero() {
		cfg.Epoch = DefaultEpoch
	}
	m := &Manager{
		config:       cfg,
		dispatcher:   dispatcher,
		now:          time.Now,
		roster:       make(map[Tier][]string),
		records:      make(map[string]*Record),
		byEscalation: make(map[string]string),
	}
	for name, members := range cfg.Roster {
		tier, err := ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("roster: %w", err)
		}
		seen := make(map[string]bool, len(members))
		for _, id := range members {
			if id == "" {
				return nil, fmt.Errorf("roster %s: empty identity", tier)
			}
			if seen[id] {
				return nil, fmt.Errorf("roster %s: %w: %s", tier, ErrDuplicateMember, id)
			}
			seen[id] = true
		}
		m.roster[tier] = append([]string(nil), members...)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnSignal is the bus handler for escalation_required.
func (m *Manager) OnSignal(ctx context.Context, sig signals.Signal) error {
	if sig.Type != signals.TypeEscalationRequired {
		return nil
	}
	logger := logging.Ctx(ctx)

	tier, ok := TierFor(sig.Severity)
	if !ok {
		logger.Info().
			Str("signal_id", sig.ID).
			Str("source", sig.Source).
			Str("severity", string(sig.Severity)).
			Msg("Low severity escalation logged without paging")
		return nil
	}

	now := m.now().UTC()
	rec := &Record{
		ID:            uuid.Must(uuid.NewV7()).String(),
		SignalID:      sig.PayloadString("signal_id"),
		EscalationID:  sig.ID,
		Source:        sig.Source,
		Severity:      sig.Severity,
		Tier:          tier,
		RequestedTier: tier,
		NotifiedAt:    now,
	}
	if rec.SignalID == "" {
		rec.SignalID = sig.ID
	}

	m.mu.Lock()
	if _, exists := m.byEscalation[sig.ID]; exists {
		m.mu.Unlock()
		return nil
	}
	shift, err := m.resolveLocked(tier, now)
	if err != nil {
		rec.DeliveryError = err.Error()
	} else {
		rec.Assignee = shift.Identity
		rec.Tier = shift.Tier
	}
	m.records[rec.ID] = rec
	m.byEscalation[sig.ID] = rec.ID
	snap := *rec
	m.mu.Unlock()

	metrics.RecordEscalation(string(snap.Tier))
	m.persist(ctx, &snap)

	if snap.Assignee == "" {
		logger.Error().
			Str("record_id", snap.ID).
			Str("tier", string(tier)).
			Msg("Escalation has no on-call assignee")
		return nil
	}
	logger.Info().
		Str("record_id", snap.ID).
		Str("signal_id", snap.SignalID).
		Str("tier", string(snap.Tier)).
		Str("assignee", snap.Assignee).
		Msg("Escalation raised")

	if m.dispatcher == nil {
		m.recordDeliveryFailure(ctx, snap.ID, "no notification channel configured")
		return nil
	}
	m.dispatcher.Dispatch(ctx, snap.Assignee, escalationMessage(sig, &snap), func(err error) {
		if err != nil {
			m.recordDeliveryFailure(context.Background(), snap.ID, err.Error())
		}
	})
	return nil
}

func escalationMessage(sig signals.Signal, rec *Record) notify.Message {
	score, _ := sig.PayloadFloat("score")
	return notify.Message{
		Kind:    notify.KindEscalation,
		Subject: fmt.Sprintf("[%s] %s escalation from %s", rec.Tier, sig.Severity, sig.Source),
		Body: fmt.Sprintf("%s signal %s scored %.2f (%s). Acknowledge record %s.",
			sig.PayloadString("signal_type"), rec.SignalID, score, sig.PayloadString("risk_level"), rec.ID),
		Ref: rec.ID,
		Fields: map[string]any{
			"record_id": rec.ID,
			"signal_id": rec.SignalID,
			"tier":      string(rec.Tier),
			"score":     score,
		},
	}
}

// recordDeliveryFailure notes a failed page. The record stays
// unacknowledged for manual follow-up.
func (m *Manager) recordDeliveryFailure(ctx context.Context, id, reason string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.DeliveryError = reason
	snap := *rec
	m.mu.Unlock()

	logging.Ctx(ctx).Warn().Str("record_id", id).Str("reason", reason).Msg("Escalation notification not delivered")
	m.persist(ctx, &snap)
}

// Acknowledge marks a record acknowledged. Only the first call changes the
// record; later calls return it unchanged.
func (m *Manager) Acknowledge(ctx context.Context, id, identity string) (Record, error) {
	if identity == "" {
		return Record{}, errors.New("acknowledge: identity is required")
	}
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if rec.AcknowledgedAt != nil {
		snap := *rec
		m.mu.Unlock()
		return snap, nil
	}
	now := m.now().UTC()
	rec.AcknowledgedAt = &now
	rec.AcknowledgedBy = identity
	snap := *rec
	m.mu.Unlock()

	metrics.RecordAcknowledgment(string(snap.Tier), snap.TimeToAcknowledge())
	m.persist(ctx, &snap)

	logging.Ctx(ctx).Info().
		Str("record_id", id).
		Str("by", identity).
		Dur("time_to_acknowledge", snap.TimeToAcknowledge()).
		Msg("Escalation acknowledged")
	return snap, nil
}

// Get returns a record by ID.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// History returns records notified within window, newest first. A
// non-positive window returns every record.
func (m *Manager) History(window time.Duration) []Record {
	var cutoff time.Time
	if window > 0 {
		cutoff = m.now().UTC().Add(-window)
	}
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if !cutoff.IsZero() && rec.NotifiedAt.Before(cutoff) {
			continue
		}
		out = append(out, *rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NotifiedAt.Equal(out[j].NotifiedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].NotifiedAt.After(out[j].NotifiedAt)
	})
	return out
}

// Metrics summarizes acknowledgment performance.
type Metrics struct {
	Total        int `json:"total"`
	Acknowledged int `json:"acknowledged"`
	Pending      int `json:"pending"`
	// MeanTimeToAcknowledge covers acknowledged records only.
	MeanTimeToAcknowledge time.Duration `json:"mean_time_to_acknowledge"`
	ByTier                map[Tier]int  `json:"by_tier"`
}

// Metrics computes acknowledgment statistics over window.
func (m *Manager) Metrics(window time.Duration) Metrics {
	out := Metrics{ByTier: make(map[Tier]int)}
	var total time.Duration
	for _, rec := range m.History(window) {
		out.Total++
		out.ByTier[rec.Tier]++
		if rec.Acknowledged() {
			out.Acknowledged++
			total += rec.TimeToAcknowledge()
		} else {
			out.Pending++
		}
	}
	if out.Acknowledged > 0 {
		out.MeanTimeToAcknowledge = total / time.Duration(out.Acknowledged)
	}
	return out
}

// CurrentOnCall returns the shift covering now for tier, falling back to
// more urgent tiers when tier has no members.
func (m *Manager) CurrentOnCall(tier Tier) (Shift, error) {
	if !tier.Valid() {
		return Shift{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	now := m.now().UTC()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLocked(tier, now)
}

func (m *Manager) resolveLocked(tier Tier, at time.Time) (Shift, error) {
	for t, ok := tier, true; ok; t, ok = t.moreUrgent() {
		if shift, found := AssigneeAt(t, m.roster[t], m.config.Epoch, m.config.ShiftLength, at); found {
			return shift, nil
		}
	}
	return Shift{}, fmt.Errorf("%w for %s or any more urgent tier", ErrNoOnCall, tier)
}

// Schedule lists the next n shifts of tier starting with the one that
// covers from. It does not fall back to other tiers.
func (m *Manager) Schedule(tier Tier, from time.Time, n int) ([]Shift, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	m.mu.RLock()
	members := append([]string(nil), m.roster[tier]...)
	m.mu.RUnlock()

	out := make([]Shift, 0, n)
	at := from
	for i := 0; i < n; i++ {
		shift, ok := AssigneeAt(tier, members, m.config.Epoch, m.config.ShiftLength, at)
		if !ok {
			break
		}
		out = append(out, shift)
		at = shift.End
	}
	return out, nil
}

// Members returns a tier's rotation order.
func (m *Manager) Members(tier Tier) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.roster[tier]...)
}

// AddMember appends identity to the end of tier's rotation. The roster is
// unchanged when persisting it fails.
func (m *Manager) AddMember(ctx context.Context, tier Tier, identity string) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if identity == "" {
		return errors.New("add member: identity is required")
	}
	m.mu.Lock()
	for _, id := range m.roster[tier] {
		if id == identity {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s in %s", ErrDuplicateMember, identity, tier)
		}
	}
	next := append(append([]string(nil), m.roster[tier]...), identity)
	if err := m.persistRoster(ctx, tierRoster{Tier: tier, Members: next}); err != nil {
		m.mu.Unlock()
		return err
	}
	m.roster[tier] = next
	m.mu.Unlock()

	logging.Ctx(ctx).Info().Str("tier", string(tier)).Str("identity", identity).Msg("On-call member added")
	return nil
}

// RemoveMember drops identity from tier. Later members move up one slot,
// which shifts the rotation from that point on. The roster is unchanged when
// persisting it fails.
func (m *Manager) RemoveMember(ctx context.Context, tier Tier, identity string) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	m.mu.Lock()
	members := m.roster[tier]
	idx := -1
	for i, id := range members {
		if id == identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrMemberNotFound, identity, tier)
	}
	next := append(append([]string(nil), members[:idx]...), members[idx+1:]...)
	if err := m.persistRoster(ctx, tierRoster{Tier: tier, Members: next}); err != nil {
		m.mu.Unlock()
		return err
	}
	m.roster[tier] = next
	m.mu.Unlock()

	logging.Ctx(ctx).Info().Str("tier", string(tier)).Str("identity", identity).Msg("On-call member removed")
	return nil
}

// persistRoster writes r. Callers hold m.mu so roster writes are applied in
// the same order as the in-memory changes.
func (m *Manager) persistRoster(ctx context.Context, r tierRoster) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Put(ctx, store.TableRoster, string(r.Tier), r); err != nil {
		return fmt.Errorf("persist roster %s: %w", r.Tier, err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, rec *Record) {
	if m.store == nil {
		return
	}
	if err := m.store.Put(ctx, store.TableEscalations, rec.ID, rec); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("record_id", rec.ID).Msg("Failed to persist escalation record")
	}
}

// Restore reloads records and any persisted roster. A persisted tier
// replaces the configured one.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	rosters := make(map[Tier][]string)
	err := m.store.Scan(ctx, store.TableRoster, func(key string, data []byte) error {
		var r tierRoster
		if err := json.Unmarshal(data, &r); err != nil || !r.Tier.Valid() {
			logging.Warn().Str("key", key).Msg("Skipping undecodable roster entry")
			return nil
		}
		rosters[r.Tier] = r.Members
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan roster: %w", err)
	}

	records := make(map[string]*Record)
	err = m.store.Scan(ctx, store.TableEscalations, func(key string, data []byte) error {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("Skipping undecodable escalation record")
			return nil
		}
		records[rec.ID] = &rec
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan escalations: %w", err)
	}

	m.mu.Lock()
	for tier, members := range rosters {
		m.roster[tier] = members
	}
	m.records = records
	m.byEscalation = make(map[string]string, len(records))
	for id, rec := range records {
		m.byEscalation[rec.EscalationID] = id
	}
	m.mu.Unlock()
	return len(records), nil
}
