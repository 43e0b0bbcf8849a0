// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type mockNotifier struct {
	mu       sync.Mutex
	name     string
	err      error
	block    chan struct{}
	received []string
	active   int32
	peak     int32
}

func (m *mockNotifier) Name() string { return m.name }

func (m *mockNotifier) Notify(ctx context.Context, identity string, msg Message) error {
	n := atomic.AddInt32(&m.active, 1)
	defer atomic.AddInt32(&m.active, -1)
	for {
		p := atomic.LoadInt32(&m.peak)
		if n <= p || atomic.CompareAndSwapInt32(&m.peak, p, n) {
			break
		}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	m.received = append(m.received, identity+":"+msg.Ref)
	m.mu.Unlock()
	return m.err
}

func TestWebhookNotifier_PostsPayload(t *testing.T) {
	var got WebhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	err := n.Notify(context.Background(), "alice", Message{Kind: KindEscalation, Ref: "esc-1", Subject: "P1 page"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got.Identity != "alice" || got.Message.Ref != "esc-1" || got.EventType != "escalation" || got.Source != "vigil" {
		t.Errorf("payload = %+v", got)
	}
	if auth != "Bearer t" {
		t.Errorf("Authorization header = %q", auth)
	}
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
	err := n.Notify(context.Background(), "bob", Message{Ref: "x"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("Notify() error = %v, want status 503", err)
	}
}

func TestWebhookNotifier_BreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
	for i := 0; i < 8; i++ {
		_ = n.Notify(context.Background(), "bob", Message{Ref: "x"})
	}
	if c := atomic.LoadInt32(&calls); c != 5 {
		t.Errorf("endpoint called %d times, want 5 before the breaker opened", c)
	}
}

func TestWebhookNotifier_RequiresURL(t *testing.T) {
	n := NewWebhookNotifier(WebhookConfig{})
	if err := n.Notify(context.Background(), "bob", Message{}); err == nil {
		t.Error("expected error without URL")
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &mockNotifier{name: "ok"}
	bad := &mockNotifier{name: "bad", err: errors.New("unreachable")}

	err := Multi(ok, bad).Notify(context.Background(), "carol", Message{Ref: "r"})
	if err == nil || !strings.Contains(err.Error(), "bad: unreachable") {
		t.Errorf("Multi error = %v", err)
	}
	if len(ok.received) != 1 {
		t.Error("healthy notifier should still receive the message")
	}
	if Multi(ok) != Notifier(ok) {
		t.Error("Multi with one notifier should return it unchanged")
	}
}

func TestDispatcher_ReportsResults(t *testing.T) {
	failing := &mockNotifier{name: "mock", err: errors.New("smtp down")}
	d := NewDispatcher(failing, DispatcherConfig{MaxConcurrent: 2, Timeout: time.Second})
	defer d.Close()

	var mu sync.Mutex
	var results []error
	for i := 0; i < 3; i++ {
		d.Dispatch(context.Background(), "dave", Message{Ref: "exec-1"}, func(err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		})
	}
	d.Wait()

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for _, err := range results {
		var df *DeliveryFailure
		if !errors.As(err, &df) {
			t.Fatalf("result %v is not a DeliveryFailure", err)
		}
		if df.Identity != "dave" || df.Ref != "exec-1" || df.Channel != "mock" {
			t.Errorf("failure = %+v", df)
		}
	}
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	m := &mockNotifier{name: "mock", block: make(chan struct{})}
	d := NewDispatcher(m, DispatcherConfig{MaxConcurrent: 2, Timeout: 5 * time.Second})

	for i := 0; i < 6; i++ {
		d.Dispatch(context.Background(), "erin", Message{}, nil)
	}
	time.Sleep(50 * time.Millisecond)
	close(m.block)
	d.Wait()

	if peak := atomic.LoadInt32(&m.peak); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if len(m.received) != 6 {
		t.Errorf("received = %d, want 6", len(m.received))
	}
}

func TestDispatcher_CloseCancelsInFlight(t *testing.T) {
	m := &mockNotifier{name: "mock", block: make(chan struct{})}
	d := NewDispatcher(m, DispatcherConfig{MaxConcurrent: 1, Timeout: time.Minute})

	var failed int32
	d.Dispatch(context.Background(), "frank", Message{}, func(err error) {
		if err != nil {
			atomic.AddInt32(&failed, 1)
		}
	})
	time.Sleep(20 * time.Millisecond)
	d.Close()

	if atomic.LoadInt32(&failed) != 1 {
		t.Error("cancelled delivery should report a failure")
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier()
	if n.Name() != "log" {
		t.Errorf("Name() = %q", n.Name())
	}
	if err := n.Notify(context.Background(), "gina", Message{Kind: KindAction}); err != nil {
		t.Errorf("Notify() error = %v", err)
	}
}

func TestDispatcher_BurstDoesNotSpawnPerMessageGoroutines(t *testing.T) {
	m := &mockNotifier{name: "mock", block: make(chan struct{})}
	before := runtime.NumGoroutine()
	d := NewDispatcher(m, DispatcherConfig{MaxConcurrent: 2, QueueSize: 500, Timeout: 5 * time.Second})

	for i := 0; i < 200; i++ {
		d.Dispatch(context.Background(), "grace", Message{}, nil)
	}
	time.Sleep(20 * time.Millisecond)
	if extra := runtime.NumGoroutine() - before; extra > 4 {
		t.Errorf("goroutines grew by %d for 200 queued deliveries, want the worker pool only", extra)
	}

	close(m.block)
	d.Wait()
	d.Close()
	if len(m.received) != 200 {
		t.Errorf("received = %d, want 200", len(m.received))
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	m := &mockNotifier{name: "mock", block: make(chan struct{})}
	d := NewDispatcher(m, DispatcherConfig{MaxConcurrent: 1, QueueSize: 1, Timeout: 5 * time.Second})
	defer d.Close()

	d.Dispatch(context.Background(), "heidi", Message{Ref: "1"}, nil)
	time.Sleep(20 * time.Millisecond) // worker picks up the first delivery
	d.Dispatch(context.Background(), "heidi", Message{Ref: "2"}, nil)

	var rejected error
	d.Dispatch(context.Background(), "heidi", Message{Ref: "3"}, func(err error) { rejected = err })
	if !errors.Is(rejected, ErrQueueFull) {
		t.Errorf("overflow result = %v, want ErrQueueFull reported before Dispatch returns", rejected)
	}

	close(m.block)
	d.Wait()
	if len(m.received) != 2 {
		t.Errorf("received = %d, want 2", len(m.received))
	}
}

func TestDispatcher_DispatchAfterClose(t *testing.T) {
	m := &mockNotifier{name: "mock"}
	d := NewDispatcher(m, DispatcherConfig{MaxConcurrent: 1, Timeout: time.Second})
	d.Close()
	d.Close()

	var got error
	d.Dispatch(context.Background(), "ivan", Message{Ref: "exec-9"}, func(err error) { got = err })
	var df *DeliveryFailure
	if !errors.As(got, &df) || !errors.Is(got, ErrDispatcherClosed) || df.Ref != "exec-9" {
		t.Errorf("result = %v, want DeliveryFailure wrapping ErrDispatcherClosed", got)
	}
	d.Wait()
	if len(m.received) != 0 {
		t.Errorf("received = %d after Close, want 0", len(m.received))
	}
}
