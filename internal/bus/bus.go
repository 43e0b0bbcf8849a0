// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package bus is the central signal ingestion point. It validates,
// deduplicates, timestamps, stores and fans out signals to subscribers.
//
// Dispatch model:
//
// Top-level publishes are serialized: one signal and the cascade it causes
// run to completion before the next independently submitted signal starts.
// Handlers receive a context that carries the active dispatch. Publishing
// with that context stores the new signal immediately and queues it; the
// queue drains breadth-first after the current handler chain finishes.
// Each queued signal carries its cascade depth and anything deeper than
// Config.MaxDepth is dropped with ErrDepthExceeded and a Diagnostic.
//
// Handlers must publish with the context they were given. Publishing with an
// unrelated context from inside a handler blocks on the dispatch lock.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
	"github.com/tomtom215/vigil/internal/signals"
	"github.com/tomtom215/vigil/internal/store"
)

// Handler processes a delivered signal. The signal is a private copy.
type Handler func(ctx context.Context, sig signals.Signal) error

// Store is the persistence the bus needs. *store.Store satisfies it.
type Store interface {
	Put(ctx context.Context, table store.Table, key string, v interface{}) error
	Delete(ctx context.Context, table store.Table, key string) error
	Scan(ctx context.Context, table store.Table, fn func(key string, data []byte) error) error
}

// Config holds bus tuning.
type Config struct {
	HistorySize     int           `koanf:"history_size" validate:"min=1"`
	DedupWindow     time.Duration `koanf:"dedup_window" validate:"gte=0"`
	MaxDepth        int           `koanf:"max_depth" validate:"min=1"`
	DiagnosticsSize int           `koanf:"diagnostics_size" validate:"min=1"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		HistorySize:     5000,
		DedupWindow:     5 * time.Minute,
		MaxDepth:        5,
		DiagnosticsSize: 500,
	}
}

// PublishResult describes the outcome of a publish.
type PublishResult struct {
	// ID of the stored signal, or of the prior signal when Duplicate is set.
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
	// Depth is the cascade depth the signal was queued at; 0 for top level.
	Depth int `json:"depth"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithStore enables persistence of the history.
func WithStore(s Store) Option {
	return func(b *Bus) { b.store = s }
}

type subscriber struct {
	id      uint64
	name    string
	handler Handler
}

type dedupEntry struct {
	key string
	id  string
	at  time.Time
}

type queued struct {
	sig   signals.Signal
	depth int
}

// dispatch is the state of one top-level publish and its cascade.
type dispatch struct {
	bus *Bus

	mu      sync.Mutex
	current int
	queue   []queued
	done    bool
}

type dispatchKey struct{}

// Bus fans out signals to subscribers.
type Bus struct {
	config Config
	store  Store
	now    func() time.Time

	// dispatchMu serializes top-level publishes.
	dispatchMu sync.Mutex

	mu         sync.RWMutex
	subs       map[signals.Type][]subscriber
	nextSubID  uint64
	ring       []signals.Signal
	ringStart  int
	ringLen    int
	dedup      map[string]dedupEntry
	dedupOrder []dedupEntry
	diag       []Diagnostic
	diagStart  int
	stats      Stats
	closed     bool
}

// New creates a bus. Zero-valued config fields take their defaults.
func New(cfg Config, opts ...Option) *Bus {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.DiagnosticsSize <= 0 {
		cfg.DiagnosticsSize = def.DiagnosticsSize
	}

	b := &Bus{
		config: cfg,
		now:    time.Now,
		subs:   make(map[signals.Type][]subscriber),
		ring:   make([]signals.Signal, cfg.HistorySize),
		dedup:  make(map[string]dedupEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish validates and stores sig, then delivers it to subscribers. The
// bus assigns ID and CreatedAt, replacing any values already set on sig.
//
// Outside a handler the call returns after the whole cascade has been
// dispatched. Inside a handler (ctx carries the dispatch) the signal is
// stored and queued, and the call returns immediately.
func (b *Bus) Publish(ctx context.Context, sig signals.Signal) (PublishResult, error) {
	if err := signals.Validate(&sig); err != nil {
		metrics.SignalsRejected.WithLabelValues("validation").Inc()
		return PublishResult{}, err
	}

	if d, ok := ctx.Value(dispatchKey{}).(*dispatch); ok && d.bus == b {
		if res, handled, err := b.publishNested(ctx, d, sig); handled {
			return res, err
		}
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	res, stored, err := b.record(ctx, sig)
	if err != nil || res.Duplicate {
		return res, err
	}

	start := time.Now()
	d := &dispatch{bus: b, queue: []queued{{sig: stored}}}
	b.drain(ctx, d)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// publishNested handles a publish made from inside a handler. handled is
// false when the dispatch has already finished, in which case the caller
// falls back to a top-level publish.
func (b *Bus) publishNested(ctx context.Context, d *dispatch, sig signals.Signal) (PublishResult, bool, error) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return PublishResult{}, false, nil
	}
	depth := d.current + 1
	d.mu.Unlock()

	if depth > b.config.MaxDepth {
		b.addDiagnostic(ctx, Diagnostic{
			Kind:       DiagDepthExceeded,
			SignalType: sig.Type,
			Source:     sig.Source,
			Depth:      depth,
			Detail:     fmt.Sprintf("dropped at depth %d (max %d)", depth, b.config.MaxDepth),
		})
		metrics.SignalsDropped.Inc()
		logging.Ctx(ctx).Warn().
			Str("type", string(sig.Type)).
			Str("source", sig.Source).
			Int("depth", depth).
			Msg("Dropping cascaded signal: depth cap exceeded")
		return PublishResult{Depth: depth}, true, ErrDepthExceeded
	}

	res, stored, err := b.record(ctx, sig)
	if err != nil || res.Duplicate {
		return res, true, err
	}
	res.Depth = depth

	d.mu.Lock()
	d.queue = append(d.queue, queued{sig: stored, depth: depth})
	d.mu.Unlock()
	return res, true, nil
}

// drain delivers queued signals breadth-first until the queue is empty.
func (b *Bus) drain(ctx context.Context, d *dispatch) {
	dctx := context.WithValue(ctx, dispatchKey{}, d)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.done = true
			d.mu.Unlock()
			return
		}
		item := d.queue[0]
		d.queue = d.queue[1:]
		d.current = item.depth
		d.mu.Unlock()

		b.fanOut(logging.ContextWithSignalID(dctx, item.sig.ID), item.sig)
	}
}

// record validates dedup, assigns the ID and timestamp, appends to history
// and persists. stored is the signal as kept in history.
func (b *Bus) record(ctx context.Context, sig signals.Signal) (PublishResult, signals.Signal, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		metrics.SignalsRejected.WithLabelValues("closed").Inc()
		return PublishResult{}, signals.Signal{}, ErrClosed
	}

	now := b.now().UTC()
	if sig.DedupKey != "" && b.config.DedupWindow > 0 {
		b.expireDedupLocked(now)
		if prior, ok := b.dedup[sig.DedupKey]; ok {
			b.stats.Duplicates++
			b.mu.Unlock()
			metrics.SignalsDeduplicated.Inc()
			return PublishResult{ID: prior.id, Duplicate: true}, signals.Signal{}, nil
		}
	}

	// caller IDs are never trusted; a reused ID would overwrite history
	sig = sig.Clone()
	sig.ID = signals.NewID()
	sig.CreatedAt = now

	evicted, hasEvicted := b.appendLocked(sig)
	if sig.DedupKey != "" && b.config.DedupWindow > 0 {
		entry := dedupEntry{key: sig.DedupKey, id: sig.ID, at: now}
		b.dedup[sig.DedupKey] = entry
		b.dedupOrder = append(b.dedupOrder, entry)
	}
	b.stats.Published++
	size := b.ringLen
	b.mu.Unlock()

	metrics.RecordPublish(string(sig.Type), string(sig.Severity))
	metrics.HistorySize.Set(float64(size))

	if b.store != nil {
		if err := b.store.Put(ctx, store.TableSignals, sig.ID, sig); err != nil {
			b.persistFailed(ctx, sig, err)
		}
		if hasEvicted {
			if err := b.store.Delete(ctx, store.TableSignals, evicted.ID); err != nil {
				b.persistFailed(ctx, evicted, err)
			}
		}
	}

	return PublishResult{ID: sig.ID}, sig.Clone(), nil
}

func (b *Bus) persistFailed(ctx context.Context, sig signals.Signal, err error) {
	logging.Ctx(ctx).Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to persist signal")
	b.addDiagnostic(ctx, Diagnostic{
		Kind:       DiagPersistError,
		SignalID:   sig.ID,
		SignalType: sig.Type,
		Source:     sig.Source,
		Detail:     err.Error(),
	})
}

// expireDedupLocked removes dedup entries whose window has closed.
func (b *Bus) expireDedupLocked(now time.Time) {
	cutoff := now.Add(-b.config.DedupWindow)
	n := 0
	for n < len(b.dedupOrder) && !b.dedupOrder[n].at.After(cutoff) {
		e := b.dedupOrder[n]
		if cur, ok := b.dedup[e.key]; ok && cur.id == e.id {
			delete(b.dedup, e.key)
		}
		n++
	}
	if n > 0 {
		b.dedupOrder = append(b.dedupOrder[:0], b.dedupOrder[n:]...)
	}
}

// appendLocked adds sig to the ring, returning the evicted signal if full.
func (b *Bus) appendLocked(sig signals.Signal) (signals.Signal, bool) {
	capacity := len(b.ring)
	if b.ringLen < capacity {
		b.ring[(b.ringStart+b.ringLen)%capacity] = sig
		b.ringLen++
		return signals.Signal{}, false
	}
	evicted := b.ring[b.ringStart]
	b.ring[b.ringStart] = sig
	b.ringStart = (b.ringStart + 1) % capacity
	b.stats.Evicted++
	return evicted, true
}

// fanOut delivers sig to exact-type subscribers, then wildcard subscribers.
func (b *Bus) fanOut(ctx context.Context, sig signals.Signal) {
	b.mu.RLock()
	exact := b.subs[sig.Type]
	wild := b.subs[signals.Wildcard]
	handlers := make([]subscriber, 0, len(exact)+len(wild))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wild...)
	b.mu.RUnlock()

	for _, s := range handlers {
		if err := b.invoke(ctx, s, sig); err != nil {
			var herr *HandlerError
			errors.As(err, &herr)
			logging.Ctx(ctx).Error().Err(err).
				Str("handler", s.name).
				Str("type", string(sig.Type)).
				Bool("panicked", herr != nil && herr.Panicked).
				Msg("Signal handler failed")
			metrics.RecordHandlerError(s.name)
			b.mu.Lock()
			b.stats.HandlerErrors++
			b.mu.Unlock()
			b.addDiagnostic(ctx, Diagnostic{
				Kind:       DiagHandlerError,
				SignalID:   sig.ID,
				SignalType: sig.Type,
				Source:     sig.Source,
				Handler:    s.name,
				Detail:     err.Error(),
			})
		}
	}
}

func (b *Bus) invoke(ctx context.Context, s subscriber, sig signals.Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Handler: s.name, SignalID: sig.ID, Panicked: true, Err: fmt.Errorf("%v", r)}
		}
	}()
	if herr := s.handler(ctx, sig.Clone()); herr != nil {
		return &HandlerError{Handler: s.name, SignalID: sig.ID, Err: herr}
	}
	return nil
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	typ signals.Type
	id  uint64
}

// Unsubscribe removes the handler. Calling it more than once is harmless.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.typ]
	for i, sub := range list {
		if sub.id == s.id {
			// copy so a fan-out holding the old slice is unaffected
			next := make([]subscriber, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			s.bus.subs[s.typ] = next
			return
		}
	}
}

// Subscribe registers h for signals of typ, or every signal when typ is
// signals.Wildcard. name identifies the handler in logs and metrics.
func (b *Bus) Subscribe(typ signals.Type, name string, h Handler) (Subscription, error) {
	if h == nil {
		return Subscription{}, fmt.Errorf("%w: nil handler", ErrInvalidSubscription)
	}
	if typ != signals.Wildcard && !typ.Valid() {
		return Subscription{}, fmt.Errorf("%w: unknown signal type %q", ErrInvalidSubscription, typ)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	sub := subscriber{id: b.nextSubID, name: name, handler: h}
	list := b.subs[typ]
	next := make([]subscriber, 0, len(list)+1)
	next = append(next, list...)
	b.subs[typ] = append(next, sub)

	logging.Debug().Str("type", string(typ)).Str("handler", name).Msg("Subscribed to signal bus")
	return Subscription{bus: b, typ: typ, id: sub.id}, nil
}

// History returns stored signals matching f, oldest first. With a Limit the
// most recent matches are returned.
func (b *Bus) History(f signals.Filter) []signals.Signal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	capacity := len(b.ring)
	var out []signals.Signal
	for i := 0; i < b.ringLen; i++ {
		sig := &b.ring[(b.ringStart+i)%capacity]
		if f.Matches(sig) {
			out = append(out, sig.Clone())
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Get returns a stored signal by ID.
func (b *Bus) Get(id string) (signals.Signal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	capacity := len(b.ring)
	for i := b.ringLen - 1; i >= 0; i-- {
		sig := b.ring[(b.ringStart+i)%capacity]
		if sig.ID == id {
			return sig.Clone(), true
		}
	}
	return signals.Signal{}, false
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     int64 `json:"published"`
	Duplicates    int64 `json:"duplicates"`
	Dropped       int64 `json:"dropped"`
	HandlerErrors int64 `json:"handler_errors"`
	Evicted       int64 `json:"evicted"`
	HistorySize   int   `json:"history_size"`
	Subscribers   int   `json:"subscribers"`
	Closed        bool  `json:"closed"`
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.stats
	st.HistorySize = b.ringLen
	st.Closed = b.closed
	for _, list := range b.subs {
		st.Subscribers += len(list)
	}
	return st
}

// Restore rebuilds history and the dedup index from the store. It must be
// called before any publish.
func (b *Bus) Restore(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}

	var stored []signals.Signal
	err := b.store.Scan(ctx, store.TableSignals, func(key string, data []byte) error {
		var sig signals.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("Skipping undecodable signal record")
			return nil
		}
		stored = append(stored, sig)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan signals: %w", err)
	}

	sort.SliceStable(stored, func(i, j int) bool {
		if stored[i].CreatedAt.Equal(stored[j].CreatedAt) {
			return stored[i].ID < stored[j].ID
		}
		return stored[i].CreatedAt.Before(stored[j].CreatedAt)
	})

	capacity := len(b.ring)
	if overflow := len(stored) - capacity; overflow > 0 {
		for _, sig := range stored[:overflow] {
			if err := b.store.Delete(ctx, store.TableSignals, sig.ID); err != nil {
				return 0, fmt.Errorf("trim signal %s: %w", sig.ID, err)
			}
		}
		stored = stored[overflow:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now().UTC()
	cutoff := now.Add(-b.config.DedupWindow)
	b.ringStart, b.ringLen = 0, 0
	b.dedup = make(map[string]dedupEntry)
	b.dedupOrder = b.dedupOrder[:0]
	for _, sig := range stored {
		b.appendLocked(sig)
		if sig.DedupKey != "" && b.config.DedupWindow > 0 && sig.CreatedAt.After(cutoff) {
			entry := dedupEntry{key: sig.DedupKey, id: sig.ID, at: sig.CreatedAt}
			b.dedup[sig.DedupKey] = entry
			b.dedupOrder = append(b.dedupOrder, entry)
		}
	}
	metrics.HistorySize.Set(float64(b.ringLen))
	return b.ringLen, nil
}

// Close stops accepting publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
