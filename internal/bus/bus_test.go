// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/vigil/internal/signals"
	"github.com/tomtom215/vigil/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testSignal(typ signals.Type, source string) signals.Signal {
	return signals.Signal{
		Type:       typ,
		Severity:   signals.SeverityHigh,
		Source:     source,
		Confidence: 0.8,
	}
}

func mustSubscribe(t *testing.T, b *Bus, typ signals.Type, name string, h Handler) Subscription {
	t.Helper()
	sub, err := b.Subscribe(typ, name, h)
	if err != nil {
		t.Fatalf("Subscribe(%s) error = %v", typ, err)
	}
	return sub
}

func TestPublish_AssignsIDAndTimestamp(t *testing.T) {
	clock := newFakeClock()
	b := New(DefaultConfig(), WithClock(clock.Now))

	res, err := b.Publish(context.Background(), testSignal(signals.TypeBruteForce, "svcA"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.ID == "" || res.Duplicate || res.Depth != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, ok := b.Get(res.ID)
	if !ok {
		t.Fatal("published signal not in history")
	}
	if !got.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, clock.Now())
	}
}

func TestPublish_ReusedIDDoesNotReplaceHistory(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	b := New(DefaultConfig(), WithStore(s))

	first := testSignal(signals.TypeThreatDetected, "edge-gateway")
	first.ID = "evt-1"
	second := testSignal(signals.TypeThreatDetected, "other-gateway")
	second.ID = "evt-1"

	r1, err := b.Publish(ctx, first)
	if err != nil {
		t.Fatalf("Publish(first) error = %v", err)
	}
	r2, err := b.Publish(ctx, second)
	if err != nil {
		t.Fatalf("Publish(second) error = %v", err)
	}
	if r1.ID == "evt-1" || r2.ID == "evt-1" || r1.ID == r2.ID {
		t.Fatalf("IDs = %q, %q, want distinct bus-assigned IDs", r1.ID, r2.ID)
	}

	got, ok := b.Get(r1.ID)
	if !ok || got.Source != "edge-gateway" {
		t.Errorf("Get(first) = %+v, %v", got, ok)
	}
	n, err := s.Count(ctx, store.TableSignals)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 2 || len(b.History(signals.Filter{})) != 2 {
		t.Errorf("persisted = %d, history = %d, want 2 and 2", n, len(b.History(signals.Filter{})))
	}
}

func TestPublish_RejectsInvalidSignal(t *testing.T) {
	b := New(DefaultConfig())
	called := false
	mustSubscribe(t, b, signals.Wildcard, "spy", func(context.Context, signals.Signal) error {
		called = true
		return nil
	})

	sig := testSignal("phishing", "svcA")
	_, err := b.Publish(context.Background(), sig)
	if !errors.Is(err, signals.ErrValidation) {
		t.Fatalf("Publish() error = %v, want ErrValidation", err)
	}
	if called {
		t.Error("handler ran for an invalid signal")
	}
	if n := len(b.History(signals.Filter{})); n != 0 {
		t.Errorf("history has %d signals, want 0", n)
	}
}

func TestPublish_Dedup(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{HistorySize: 10, DedupWindow: 5 * time.Minute, MaxDepth: 5}, WithClock(clock.Now))
	ctx := context.Background()

	deliveries := 0
	mustSubscribe(t, b, signals.TypeBruteForce, "counter", func(context.Context, signals.Signal) error {
		deliveries++
		return nil
	})

	sig := testSignal(signals.TypeBruteForce, "svcA")
	sig.DedupKey = "login-storm-42"

	first, err := b.Publish(ctx, sig)
	if err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}

	clock.Advance(time.Second)
	second, err := b.Publish(ctx, sig)
	if err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Errorf("second publish = %+v, want duplicate of %s", second, first.ID)
	}
	if n := len(b.History(signals.Filter{})); n != 1 {
		t.Errorf("history has %d signals inside window, want 1", n)
	}
	if deliveries != 1 {
		t.Errorf("handler ran %d times, want 1", deliveries)
	}

	clock.Advance(5 * time.Minute)
	third, err := b.Publish(ctx, sig)
	if err != nil {
		t.Fatalf("third Publish() error = %v", err)
	}
	if third.Duplicate || third.ID == first.ID {
		t.Errorf("publish outside window should store a new signal, got %+v", third)
	}
	if n := len(b.History(signals.Filter{})); n != 2 {
		t.Errorf("history has %d signals, want 2", n)
	}
	if st := b.Stats(); st.Duplicates != 1 {
		t.Errorf("Stats().Duplicates = %d, want 1", st.Duplicates)
	}
}

func TestFanOut_ExactBeforeWildcardInSubscriptionOrder(t *testing.T) {
	b := New(DefaultConfig())
	var order []string
	record := func(name string) Handler {
		return func(context.Context, signals.Signal) error {
			order = append(order, name)
			return nil
		}
	}

	mustSubscribe(t, b, signals.Wildcard, "wild-1", record("wild-1"))
	mustSubscribe(t, b, signals.TypeMalwareDetected, "exact-1", record("exact-1"))
	mustSubscribe(t, b, signals.Wildcard, "wild-2", record("wild-2"))
	mustSubscribe(t, b, signals.TypeMalwareDetected, "exact-2", record("exact-2"))
	mustSubscribe(t, b, signals.TypeBruteForce, "other", record("other"))

	if _, err := b.Publish(context.Background(), testSignal(signals.TypeMalwareDetected, "edr")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := []string{"exact-1", "exact-2", "wild-1", "wild-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFanOut_HandlerFailuresAreIsolated(t *testing.T) {
	b := New(DefaultConfig())
	ran := 0

	mustSubscribe(t, b, signals.Wildcard, "fails", func(context.Context, signals.Signal) error {
		return errors.New("downstream unavailable")
	})
	mustSubscribe(t, b, signals.Wildcard, "panics", func(context.Context, signals.Signal) error {
		panic("nil map")
	})
	mustSubscribe(t, b, signals.Wildcard, "healthy", func(context.Context, signals.Signal) error {
		ran++
		return nil
	})

	res, err := b.Publish(context.Background(), testSignal(signals.TypePolicyViolation, "dlp"))
	if err != nil {
		t.Fatalf("Publish() should not surface handler errors, got %v", err)
	}
	if ran != 1 {
		t.Errorf("healthy handler ran %d times, want 1", ran)
	}
	if _, ok := b.Get(res.ID); !ok {
		t.Error("signal should be stored despite handler failures")
	}

	diags := b.Diagnostics()
	if len(diags) != 2 {
		t.Fatalf("len(Diagnostics()) = %d, want 2", len(diags))
	}
	for _, d := range diags {
		if d.Kind != DiagHandlerError || d.SignalID != res.ID {
			t.Errorf("unexpected diagnostic: %+v", d)
		}
	}
	if diags[1].Handler != "panics" {
		t.Errorf("second diagnostic handler = %q, want panics", diags[1].Handler)
	}
	if st := b.Stats(); st.HandlerErrors != 2 {
		t.Errorf("Stats().HandlerErrors = %d, want 2", st.HandlerErrors)
	}
}

func TestReentrantPublish_BreadthFirst(t *testing.T) {
	b := New(DefaultConfig())
	var order []string

	mustSubscribe(t, b, signals.TypeThreatDetected, "root", func(ctx context.Context, sig signals.Signal) error {
		order = append(order, "threat")
		for _, src := range []string{"b1", "b2"} {
			res, err := b.Publish(ctx, testSignal(signals.TypePolicyViolation, src))
			if err != nil {
				return err
			}
			if res.Depth != 1 {
				t.Errorf("child depth = %d, want 1", res.Depth)
			}
		}
		// queued children must not have run yet
		if len(order) != 1 {
			t.Errorf("children dispatched inline: %v", order)
		}
		return nil
	})
	mustSubscribe(t, b, signals.TypePolicyViolation, "child", func(ctx context.Context, sig signals.Signal) error {
		order = append(order, sig.Source)
		if sig.Source == "b1" {
			_, err := b.Publish(ctx, testSignal(signals.TypeComplianceIssue, "c1"))
			return err
		}
		return nil
	})
	mustSubscribe(t, b, signals.TypeComplianceIssue, "grandchild", func(ctx context.Context, sig signals.Signal) error {
		order = append(order, sig.Source)
		return nil
	})

	if _, err := b.Publish(context.Background(), testSignal(signals.TypeThreatDetected, "root")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := []string{"threat", "b1", "b2", "c1"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if n := len(b.History(signals.Filter{})); n != 4 {
		t.Errorf("history has %d signals, want 4", n)
	}
}

func TestReentrantPublish_DepthCap(t *testing.T) {
	b := New(Config{HistorySize: 100, MaxDepth: 3})
	delivered := 0
	var capErr error

	mustSubscribe(t, b, signals.TypeAnomalyDetected, "loop", func(ctx context.Context, sig signals.Signal) error {
		delivered++
		_, err := b.Publish(ctx, testSignal(signals.TypeAnomalyDetected, sig.Source))
		if err != nil {
			capErr = err
		}
		return nil
	})

	if _, err := b.Publish(context.Background(), testSignal(signals.TypeAnomalyDetected, "loop")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// depths 0..3 are delivered, depth 4 is dropped
	if delivered != 4 {
		t.Errorf("delivered = %d, want 4", delivered)
	}
	if !errors.Is(capErr, ErrDepthExceeded) {
		t.Errorf("handler saw %v, want ErrDepthExceeded", capErr)
	}
	if n := len(b.History(signals.Filter{})); n != 4 {
		t.Errorf("history has %d signals, want 4", n)
	}

	diags := b.Diagnostics()
	if len(diags) != 1 || diags[0].Kind != DiagDepthExceeded || diags[0].Depth != 4 {
		t.Errorf("unexpected diagnostics: %+v", diags)
	}
	if st := b.Stats(); st.Dropped != 1 {
		t.Errorf("Stats().Dropped = %d, want 1", st.Dropped)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(DefaultConfig())
	calls := 0
	sub := mustSubscribe(t, b, signals.Wildcard, "temp", func(context.Context, signals.Signal) error {
		calls++
		return nil
	})

	ctx := context.Background()
	_, _ = b.Publish(ctx, testSignal(signals.TypeBruteForce, "a"))
	sub.Unsubscribe()
	sub.Unsubscribe()
	_, _ = b.Publish(ctx, testSignal(signals.TypeBruteForce, "a"))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSubscribe_Invalid(t *testing.T) {
	b := New(DefaultConfig())
	if _, err := b.Subscribe("nope", "x", func(context.Context, signals.Signal) error { return nil }); !errors.Is(err, ErrInvalidSubscription) {
		t.Errorf("unknown type error = %v", err)
	}
	if _, err := b.Subscribe(signals.Wildcard, "x", nil); !errors.Is(err, ErrInvalidSubscription) {
		t.Errorf("nil handler error = %v", err)
	}
}

func TestHistory_RingEvictionAndFilter(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer s.Close()

	clock := newFakeClock()
	b := New(Config{HistorySize: 3, MaxDepth: 5}, WithClock(clock.Now), WithStore(s))
	ctx := context.Background()

	var ids []string
	for i, src := range []string{"a", "b", "a", "b"} {
		res, err := b.Publish(ctx, testSignal(signals.TypeBruteForce, src))
		if err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
		ids = append(ids, res.ID)
		clock.Advance(time.Second)
	}

	all := b.History(signals.Filter{})
	if len(all) != 3 || all[0].ID != ids[1] || all[2].ID != ids[3] {
		t.Fatalf("unexpected history after eviction: %v", all)
	}

	n, err := s.Count(ctx, store.TableSignals)
	if err != nil || n != 3 {
		t.Errorf("persisted signals = %d, %v; want 3", n, err)
	}

	fromA := b.History(signals.Filter{Sources: []string{"a"}})
	if len(fromA) != 1 || fromA[0].ID != ids[2] {
		t.Errorf("source filter returned %v", fromA)
	}

	latest := b.History(signals.Filter{Limit: 1})
	if len(latest) != 1 || latest[0].ID != ids[3] {
		t.Errorf("limit should keep the newest signal, got %v", latest)
	}
}

func TestHistory_ReturnsCopies(t *testing.T) {
	b := New(DefaultConfig())
	sig := testSignal(signals.TypePIIExposure, "dlp")
	sig.Payload = map[string]any{"field": "ssn"}
	res, _ := b.Publish(context.Background(), sig)

	sig.Payload["field"] = "mutated-by-caller"
	h := b.History(signals.Filter{})
	h[0].Payload["field"] = "mutated-by-reader"

	got, _ := b.Get(res.ID)
	if got.Payload["field"] != "ssn" {
		t.Errorf("stored payload was mutated: %v", got.Payload)
	}
}

func TestRestore(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer s.Close()

	clock := newFakeClock()
	ctx := context.Background()
	cfg := Config{HistorySize: 10, DedupWindow: 5 * time.Minute, MaxDepth: 5}

	first := New(cfg, WithClock(clock.Now), WithStore(s))
	deduped := testSignal(signals.TypeBruteForce, "svcA")
	deduped.DedupKey = "k1"
	orig, _ := first.Publish(ctx, deduped)
	clock.Advance(time.Second)
	_, _ = first.Publish(ctx, testSignal(signals.TypeMalwareDetected, "svcB"))

	clock.Advance(time.Minute)
	second := New(cfg, WithClock(clock.Now), WithStore(s))
	n, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Restore() = %d, want 2", n)
	}
	history := second.History(signals.Filter{})
	if history[0].ID != orig.ID {
		t.Errorf("restored history out of order: %v", history)
	}

	res, err := second.Publish(ctx, deduped)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !res.Duplicate || res.ID != orig.ID {
		t.Errorf("dedup index not restored: %+v", res)
	}
}

func TestRestoreDiagnostics(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	cfg := Config{HistorySize: 10, DedupWindow: 5 * time.Minute, MaxDepth: 5, DiagnosticsSize: 2}

	first := New(cfg, WithStore(s))
	mustSubscribe(t, first, signals.Wildcard, "siem-export", func(context.Context, signals.Signal) error {
		return errors.New("siem unreachable")
	})
	var ids []string
	for _, src := range []string{"a", "b", "c"} {
		res, err := first.Publish(ctx, testSignal(signals.TypePolicyViolation, src))
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		ids = append(ids, res.ID)
	}
	if n, _ := s.Count(ctx, store.TableDiagnostics); n != 2 {
		t.Errorf("persisted diagnostics = %d, want 2 (ring size)", n)
	}

	second := New(cfg, WithStore(s))
	n, err := second.RestoreDiagnostics(ctx)
	if err != nil {
		t.Fatalf("RestoreDiagnostics() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("RestoreDiagnostics() = %d, want 2", n)
	}
	diags := second.Diagnostics()
	if diags[0].SignalID != ids[1] || diags[1].SignalID != ids[2] {
		t.Errorf("restored diagnostics = %+v, want signals %v", diags, ids[1:])
	}
	if diags[1].Kind != DiagHandlerError || diags[1].Handler != "siem-export" {
		t.Errorf("restored diagnostic = %+v", diags[1])
	}
}

func TestClose(t *testing.T) {
	b := New(DefaultConfig())
	b.Close()
	if _, err := b.Publish(context.Background(), testSignal(signals.TypeBruteForce, "a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
}

func TestConcurrentPublishersAreSerialized(t *testing.T) {
	b := New(Config{HistorySize: 1000, MaxDepth: 5})
	var active, maxActive int
	var mu sync.Mutex

	mustSubscribe(t, b, signals.Wildcard, "audit-tap", func(context.Context, signals.Signal) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Publish(context.Background(), testSignal(signals.TypeBruteForce, "parallel"))
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("handlers ran concurrently: max active = %d", maxActive)
	}
	if n := len(b.History(signals.Filter{})); n != 20 {
		t.Errorf("history has %d signals, want 20", n)
	}
}
