// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package playbook

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/vigil/internal/notify"
	"github.com/tomtom215/vigil/internal/signals"
	"github.com/tomtom215/vigil/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type performed struct {
	kind   ActionKind
	params map[string]string
}

type mockDelegate struct {
	mu     sync.Mutex
	calls  []performed
	failOn ActionKind
	clock  *testClock
}

func (m *mockDelegate) PerformAction(ctx context.Context, kind ActionKind, params map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == m.failOn {
		return errors.New("identity provider unavailable")
	}
	if m.clock != nil {
		m.clock.Advance(time.Second)
	}
	m.calls = append(m.calls, performed{kind: kind, params: params})
	return nil
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (m *mockNotifier) Name() string { return "mock" }

func (m *mockNotifier) Notify(ctx context.Context, identity string, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, identity)
	return nil
}

type dispatched struct {
	identity string
	msg      notify.Message
}

// mockDispatcher delivers synchronously and can simulate failures.
type mockDispatcher struct {
	mu   sync.Mutex
	sent []dispatched
	err  error
}

func (m *mockDispatcher) Dispatch(ctx context.Context, identity string, msg notify.Message, done notify.ResultFunc) {
	m.mu.Lock()
	m.sent = append(m.sent, dispatched{identity: identity, msg: msg})
	err := m.err
	m.mu.Unlock()
	if done == nil {
		return
	}
	if err != nil {
		done(&notify.DeliveryFailure{Channel: "mock", Identity: identity, Ref: msg.Ref, Err: err})
		return
	}
	done(nil)
}

func testPlaybooks() []Playbook {
	return []Playbook{
		{
			ID:           "pb-20-account",
			Name:         "Account compromise",
			TriggerTypes: []signals.Type{signals.TypeUnauthorizedAccess, signals.TypeBruteForce},
			Actions: []Action{
				{Kind: ActionLogEvidence, Params: map[string]string{"signal": "${signal_id}"}},
				{Kind: ActionRevokeAccess, Params: map[string]string{"subject": "${payload.user}"}},
				{Kind: ActionResetCredentials, Params: map[string]string{"subject": "${payload.user}"}},
				{Kind: ActionNotify},
			},
		},
		{
			ID:           "pb-10-brute",
			TriggerTypes: []signals.Type{signals.TypeBruteForce},
			Actions:      []Action{{Kind: ActionBlockSource, Params: map[string]string{"source": "${payload.ip}"}}},
			Approvers:    []string{"netops"},
		},
	}
}

type harness struct {
	exec       *Executor
	delegate   *mockDelegate
	notifier   *mockNotifier
	dispatcher *mockDispatcher
	clock      *testClock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	h := &harness{
		delegate:   &mockDelegate{clock: clock},
		notifier:   &mockNotifier{},
		dispatcher: &mockDispatcher{},
		clock:      clock,
	}
	if cfg.Playbooks == nil {
		cfg.Playbooks = testPlaybooks()
	}
	if cfg.Approvers == nil {
		cfg.Approvers = []string{"soc-lead", "ciso"}
	}
	exec, err := NewExecutor(cfg, DefaultHandlers(h.delegate, h.notifier), h.dispatcher,
		append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	h.exec = exec
	return h
}

func triggering(typ signals.Type) signals.Signal {
	return signals.Signal{
		ID:         signals.NewID(),
		Type:       typ,
		Severity:   signals.SeverityCritical,
		Source:     "svcA",
		Confidence: 0.95,
		Payload:    map[string]any{"user": "mallory", "ip": "203.0.113.9"},
	}
}

func (h *harness) pending(t *testing.T, sig signals.Signal) Execution {
	t.Helper()
	if err := h.exec.OnSignal(context.Background(), sig); err != nil {
		t.Fatalf("OnSignal() error = %v", err)
	}
	list := h.exec.History(Filter{Status: StatusPending, Limit: 1})
	if len(list) != 1 {
		t.Fatalf("expected a pending execution, got %d", len(list))
	}
	return list[0]
}

func TestStatus_CanTransition(t *testing.T) {
	legal := map[Status][]Status{
		StatusPending:   {StatusApproved, StatusRejected},
		StatusApproved:  {StatusExecuting},
		StatusExecuting: {StatusCompleted, StatusFailed},
	}
	all := []Status{StatusPending, StatusApproved, StatusExecuting, StatusCompleted, StatusRejected, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range legal[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
	if !StatusCompleted.Terminal() || StatusPending.Terminal() {
		t.Error("Terminal() mismatch")
	}
}

func TestNewExecutor_Validation(t *testing.T) {
	delegate := &mockDelegate{}
	handlers := DefaultHandlers(delegate, &mockNotifier{})

	tests := []struct {
		name     string
		pb       Playbook
		handlers []ActionHandler
		wantErr  string
	}{
		{
			name:    "unknown action kind",
			pb:      Playbook{ID: "x", TriggerTypes: []signals.Type{signals.TypeBruteForce}, Actions: []Action{{Kind: "self_destruct"}}},
			wantErr: "unknown kind",
		},
		{
			name:     "missing handler",
			pb:       Playbook{ID: "x", TriggerTypes: []signals.Type{signals.TypeBruteForce}, Actions: []Action{{Kind: ActionQuarantine, Params: map[string]string{"target": "h"}}}},
			handlers: []ActionHandler{NewNotifyAction(&mockNotifier{})},
			wantErr:  "no handler",
		},
		{
			name:    "missing required param",
			pb:      Playbook{ID: "x", TriggerTypes: []signals.Type{signals.TypeBruteForce}, Actions: []Action{{Kind: ActionQuarantine}}},
			wantErr: `missing param "target"`,
		},
		{
			name:    "unknown trigger type",
			pb:      Playbook{ID: "x", TriggerTypes: []signals.Type{"phishing"}, Actions: []Action{{Kind: ActionLogEvidence}}},
			wantErr: "unknown signal type",
		},
		{
			name:    "no actions",
			pb:      Playbook{ID: "x", TriggerTypes: []signals.Type{signals.TypeBruteForce}},
			wantErr: "no actions",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := tt.handlers
			if hs == nil {
				hs = handlers
			}
			_, err := NewExecutor(Config{Playbooks: []Playbook{tt.pb}}, hs, nil)
			if !errors.Is(err, ErrInvalidPlaybook) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewExecutor() error = %v, want %q", err, tt.wantErr)
			}
		})
	}

	dup := Playbook{ID: "x", TriggerTypes: []signals.Type{signals.TypeBruteForce}, Actions: []Action{{Kind: ActionLogEvidence}}}
	if _, err := NewExecutor(Config{Playbooks: []Playbook{dup, dup}}, handlers, nil); !errors.Is(err, ErrInvalidPlaybook) {
		t.Errorf("duplicate ids error = %v", err)
	}
}

func TestOnSignal_CreatesPendingAndRequestsApproval(t *testing.T) {
	h := newHarness(t, Config{})
	sig := triggering(signals.TypeUnauthorizedAccess)
	exec := h.pending(t, sig)

	if exec.PlaybookID != "pb-20-account" || exec.SignalID != sig.ID {
		t.Errorf("execution = %+v", exec)
	}
	if len(h.delegate.calls) != 0 {
		t.Fatal("no action may run before approval")
	}
	if len(h.dispatcher.sent) != 2 {
		t.Fatalf("approval requests = %d, want 2", len(h.dispatcher.sent))
	}
	msg := h.dispatcher.sent[0].msg
	req, ok := msg.Fields["approval_request"].(ApprovalRequest)
	if !ok || msg.Kind != notify.KindApprovalRequest || msg.Ref != exec.ID {
		t.Fatalf("approval message = %+v", msg)
	}
	if req.ExecutionID != exec.ID || len(req.Actions) != 4 || req.Signal.ID != sig.ID {
		t.Errorf("approval request = %+v", req)
	}

	// one execution per signal/playbook pair
	_ = h.exec.OnSignal(context.Background(), sig)
	if n := h.exec.Stats().Total; n != 1 {
		t.Errorf("Total = %d, want 1", n)
	}
}

func TestOnSignal_FirstPlaybookByID(t *testing.T) {
	h := newHarness(t, Config{})
	exec := h.pending(t, triggering(signals.TypeBruteForce))
	if exec.PlaybookID != "pb-10-brute" {
		t.Errorf("PlaybookID = %s, want pb-10-brute", exec.PlaybookID)
	}
	if h.dispatcher.sent[0].identity != "netops" {
		t.Errorf("playbook approvers should override defaults, sent to %s", h.dispatcher.sent[0].identity)
	}
}

func TestOnSignal_NoMatch(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.exec.OnSignal(context.Background(), triggering(signals.TypeComplianceIssue)); err != nil {
		t.Fatalf("OnSignal() error = %v", err)
	}
	if h.exec.Stats().Total != 0 {
		t.Error("unmatched signal created an execution")
	}
}

func TestOnSignal_DeliveryFailureRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	h.dispatcher.err = errors.New("chat API down")
	exec := h.pending(t, triggering(signals.TypeUnauthorizedAccess))

	got, _ := h.exec.Get(exec.ID)
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want PENDING", got.Status)
	}
	if !strings.Contains(got.DeliveryError, "chat API down") {
		t.Errorf("DeliveryError = %q", got.DeliveryError)
	}
}

func TestApprove_RunsActionsInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	exec := h.pending(t, triggering(signals.TypeUnauthorizedAccess))

	done, err := h.exec.Approve(context.Background(), exec.ID, "soc-lead")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if done.Status != StatusCompleted || done.Approver != "soc-lead" {
		t.Fatalf("execution = %+v", done)
	}
	if len(done.ActionsCompleted) != 4 {
		t.Errorf("ActionsCompleted = %d, want 4", len(done.ActionsCompleted))
	}

	wantKinds := []ActionKind{ActionLogEvidence, ActionRevokeAccess, ActionResetCredentials}
	if len(h.delegate.calls) != len(wantKinds) {
		t.Fatalf("delegate calls = %+v", h.delegate.calls)
	}
	for i, k := range wantKinds {
		if h.delegate.calls[i].kind != k {
			t.Errorf("call %d = %s, want %s", i, h.delegate.calls[i].kind, k)
		}
	}
	if h.delegate.calls[1].params["subject"] != "mallory" {
		t.Errorf("payload placeholder not rendered: %v", h.delegate.calls[1].params)
	}
	if h.delegate.calls[0].params["signal"] != exec.SignalID {
		t.Errorf("signal_id placeholder not rendered: %v", h.delegate.calls[0].params)
	}
	if len(h.notifier.sent) != 2 {
		t.Errorf("notify action should reach both approvers, got %v", h.notifier.sent)
	}

	var path []Status
	for _, tr := range done.Transitions {
		path = append(path, tr.To)
	}
	want := []Status{StatusPending, StatusApproved, StatusExecuting, StatusCompleted}
	if len(path) != len(want) {
		t.Fatalf("transitions = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", path, want)
		}
	}
}

func TestApprove_ActionFailureHaltsSequence(t *testing.T) {
	h := newHarness(t, Config{})
	h.delegate.failOn = ActionRevokeAccess
	exec := h.pending(t, triggering(signals.TypeUnauthorizedAccess))

	done, err := h.exec.Approve(context.Background(), exec.ID, "ciso")
	if err != nil {
		t.Fatalf("action failures are recorded, not returned: %v", err)
	}
	if done.Status != StatusFailed {
		t.Fatalf("Status = %s, want FAILED", done.Status)
	}
	if len(done.ActionsCompleted) != 1 || done.ActionsCompleted[0].Kind != ActionLogEvidence {
		t.Errorf("partial completion = %+v", done.ActionsCompleted)
	}
	if !strings.Contains(done.Error, "revoke_access") || !strings.Contains(done.Error, "identity provider unavailable") {
		t.Errorf("Error = %q", done.Error)
	}
	if len(h.delegate.calls) != 1 {
		t.Errorf("actions after the failure must not run: %+v", h.delegate.calls)
	}
}

func TestApproveReject_StateLegality(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	exec := h.pending(t, triggering(signals.TypeUnauthorizedAccess))

	if _, err := h.exec.Approve(ctx, exec.ID, "soc-lead"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if _, err := h.exec.Reject(ctx, exec.ID, "ciso", "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reject after approval error = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.exec.Approve(ctx, exec.ID, "ciso"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Approve error = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.exec.Approve(ctx, "missing", "ciso"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Approve(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := h.exec.Approve(ctx, exec.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Approve without approver error = %v", err)
	}
}

func TestReject(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	exec := h.pending(t, triggering(signals.TypeUnauthorizedAccess))

	rejected, err := h.exec.Reject(ctx, exec.ID, "ciso", "false positive")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Status != StatusRejected || rejected.Reason != "false positive" || rejected.DecidedAt == nil {
		t.Errorf("execution = %+v", rejected)
	}
	if len(h.delegate.calls) != 0 {
		t.Error("rejected executions must not run actions")
	}
	if _, err := h.exec.Approve(ctx, exec.ID, "soc-lead"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Approve after reject error = %v", err)
	}
}

func TestExpirePending(t *testing.T) {
	h := newHarness(t, Config{ApprovalTimeout: time.Hour})
	ctx := context.Background()

	old := h.pending(t, triggering(signals.TypeUnauthorizedAccess))
	h.clock.Advance(45 * time.Minute)
	fresh := h.pending(t, triggering(signals.TypeUnauthorizedAccess))
	h.clock.Advance(20 * time.Minute)

	if n := h.exec.ExpirePending(ctx); n != 1 {
		t.Fatalf("ExpirePending() = %d, want 1", n)
	}
	got, _ := h.exec.Get(old.ID)
	if got.Status != StatusRejected || got.Reason != "timed out" {
		t.Errorf("expired execution = %+v", got)
	}
	got, _ = h.exec.Get(fresh.ID)
	if got.Status != StatusPending {
		t.Errorf("fresh execution status = %s, want PENDING", got.Status)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	a := h.pending(t, triggering(signals.TypeUnauthorizedAccess))
	_, _ = h.exec.Approve(ctx, a.ID, "soc-lead")

	h.delegate.failOn = ActionBlockSource
	b := h.pending(t, triggering(signals.TypeBruteForce))
	_, _ = h.exec.Approve(ctx, b.ID, "netops")

	c := h.pending(t, triggering(signals.TypeUnauthorizedAccess))
	_, _ = h.exec.Reject(ctx, c.ID, "ciso", "duplicate")

	_ = h.pending(t, triggering(signals.TypeUnauthorizedAccess))

	st := h.exec.Stats()
	if st.Total != 4 || st.Completed != 1 || st.Failed != 1 || st.Rejected != 1 || st.Pending != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	// the completed run made three delegate calls (3s), the failed one made none
	if st.MeanExecutionTime != 1500*time.Millisecond {
		t.Errorf("MeanExecutionTime = %v, want 1.5s", st.MeanExecutionTime)
	}
	if st.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", st.SuccessRate)
	}
}

func TestRestore(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer s.Close()

	h := newHarness(t, Config{}, WithStore(s))
	ctx := context.Background()
	sig := triggering(signals.TypeUnauthorizedAccess)
	pending := h.pending(t, sig)

	// simulate a crash mid-run
	stuck := pending.clone()
	stuck.ID = "stuck"
	stuck.SignalID = "other"
	stuck.Status = StatusExecuting
	if err := s.Put(ctx, store.TableExecutions, stuck.ID, stuck); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	restored := newHarness(t, Config{}, WithStore(s))
	n, err := restored.exec.Restore(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Restore() = %d, %v; want 2, nil", n, err)
	}
	got, err := restored.exec.Get(pending.ID)
	if err != nil || got.Status != StatusPending {
		t.Errorf("restored pending = %+v, %v", got, err)
	}
	got, _ = restored.exec.Get("stuck")
	if got.Status != StatusFailed || got.Error != "interrupted by restart" {
		t.Errorf("interrupted execution = %+v", got)
	}

	// dedup index survives the restart
	_ = restored.exec.OnSignal(ctx, sig)
	if restored.exec.Stats().Total != 2 {
		t.Error("restored executor recreated an existing execution")
	}
}

func TestRenderParams(t *testing.T) {
	sig := signals.Signal{
		ID:       "sig-1",
		Type:     signals.TypeDataExfiltration,
		Severity: signals.SeverityHigh,
		Source:   "proxy",
		Payload:  map[string]any{"host": "db-01", "bytes": 4096},
	}
	got := renderParams(map[string]string{
		"a": "${signal_id}/${type}/${severity}",
		"b": "host=${payload.host} bytes=${payload.bytes}",
		"c": "${payload.missing}${unknown}",
		"d": "static",
	}, sig)

	want := map[string]string{
		"a": "sig-1/data_exfiltration/high",
		"b": "host=db-01 bytes=4096",
		"c": "",
		"d": "static",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("param %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestRunWithContext_Stops(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.exec.RunWithContext(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithContext() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunWithContext did not stop")
	}
}
