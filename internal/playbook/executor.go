// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package playbook drives approval-gated response playbooks.
//
// A triggering signal creates a PENDING execution of the first matching
// playbook (ordered by ID) and sends an approval request to the approvers.
// Nothing runs until Approve is called. Approve moves the execution through
// APPROVED to EXECUTING and runs the actions strictly in order; the first
// failing action marks the execution FAILED and stops the sequence with no
// rollback. Reject and the approval timeout move PENDING executions to
// REJECTED. Every transition is persisted.
package playbook

import (
	"context"
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

// Config holds executor settings.
type Config struct {
	// ApprovalTimeout rejects PENDING executions older than this. Zero
	// disables expiry.
	ApprovalTimeout time.Duration `koanf:"approval_timeout" validate:"gte=0"`
	SweepInterval   time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	Approvers       []string      `koanf:"approvers"`
	Playbooks       []Playbook    `koanf:"playbooks"`
}

// Dispatcher delivers approval requests without blocking.
// *notify.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, identity string, msg notify.Message, done notify.ResultFunc)
}

// Store persists executions. *store.Store satisfies it.
type Store interface {
	Put(ctx context.Context, table store.Table, key string, v interface{}) error
	Scan(ctx context.Context, table store.Table, fn func(key string, data []byte) error) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithStore enables persistence.
func WithStore(s Store) Option {
	return func(e *Executor) { e.store = s }
}

// Executor owns every playbook execution.
type Executor struct {
	config     Config
	playbooks  []Playbook
	handlers   map[ActionKind]ActionHandler
	dispatcher Dispatcher
	store      Store
	now        func() time.Time

	mu         sync.RWMutex
	executions map[string]*Execution
	bySignal   map[string]string
}

// NewExecutor validates playbooks against the handler set and returns an
// executor. Unknown action kinds, missing handlers, missing required params
// and duplicate playbook IDs fail here rather than at execution time.
func NewExecutor(cfg Config, handlers []ActionHandler, dispatcher Dispatcher, opts ...Option) (*Executor, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	e := &Executor{
		config:     cfg,
		handlers:   make(map[ActionKind]ActionHandler, len(handlers)),
		dispatcher: dispatcher,
		now:        time.Now,
		executions: make(map[string]*Execution),
		bySignal:   make(map[string]string),
	}
	for _, h := range handlers {
		if !h.Kind().Valid() {
			return nil, fmt.Errorf("%w: handler for unknown action kind %q", ErrInvalidPlaybook, h.Kind())
		}
		e.handlers[h.Kind()] = h
	}

	seen := make(map[string]bool)
	for _, pb := range cfg.Playbooks {
		if err := e.validatePlaybook(pb); err != nil {
			return nil, err
		}
		if seen[pb.ID] {
			return nil, fmt.Errorf("%w: duplicate playbook id %q", ErrInvalidPlaybook, pb.ID)
		}
		seen[pb.ID] = true
		e.playbooks = append(e.playbooks, pb)
	}
	sort.Slice(e.playbooks, func(i, j int) bool { return e.playbooks[i].ID < e.playbooks[j].ID })

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) validatePlaybook(pb Playbook) error {
	if pb.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPlaybook)
	}
	if len(pb.TriggerTypes) == 0 {
		return fmt.Errorf("%w: %s has no trigger types", ErrInvalidPlaybook, pb.ID)
	}
	for _, t := range pb.TriggerTypes {
		if !t.Valid() {
			return fmt.Errorf("%w: %s triggers on unknown signal type %q", ErrInvalidPlaybook, pb.ID, t)
		}
	}
	if len(pb.Actions) == 0 {
		return fmt.Errorf("%w: %s has no actions", ErrInvalidPlaybook, pb.ID)
	}
	for i, a := range pb.Actions {
		if !a.Kind.Valid() {
			return fmt.Errorf("%w: %s action %d has unknown kind %q", ErrInvalidPlaybook, pb.ID, i, a.Kind)
		}
		h, ok := e.handlers[a.Kind]
		if !ok {
			return fmt.Errorf("%w: %s action %d (%s) has no handler", ErrInvalidPlaybook, pb.ID, i, a.Kind)
		}
		for _, p := range h.RequiredParams() {
			if a.Params[p] == "" {
				return fmt.Errorf("%w: %s action %d (%s) is missing param %q", ErrInvalidPlaybook, pb.ID, i, a.Kind, p)
			}
		}
	}
	return nil
}

// TriggerTypes returns every signal type some playbook responds to.
func (e *Executor) TriggerTypes() []signals.Type {
	seen := make(map[signals.Type]bool)
	var out []signals.Type
	for _, pb := range e.playbooks {
		for _, t := range pb.TriggerTypes {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Playbooks returns the loaded playbooks in ID order.
func (e *Executor) Playbooks() []Playbook {
	return append([]Playbook(nil), e.playbooks...)
}

func (e *Executor) match(t signals.Type) (Playbook, bool) {
	for _, pb := range e.playbooks {
		if pb.Triggers(t) {
			return pb, true
		}
	}
	return Playbook{}, false
}

func (e *Executor) approversFor(pb Playbook) []string {
	if len(pb.Approvers) > 0 {
		return pb.Approvers
	}
	return e.config.Approvers
}

// OnSignal is the bus handler. It creates at most one execution per
// (signal, playbook) pair and requests approval.
func (e *Executor) OnSignal(ctx context.Context, sig signals.Signal) error {
	pb, ok := e.match(sig.Type)
	if !ok {
		return nil
	}

	key := sig.ID + "/" + pb.ID
	now := e.now().UTC()

	e.mu.Lock()
	if _, exists := e.bySignal[key]; exists {
		e.mu.Unlock()
		return nil
	}
	exec := &Execution{
		ID:               uuid.Must(uuid.NewV7()).String(),
		PlaybookID:       pb.ID,
		SignalID:         sig.ID,
		Signal:           sig.Clone(),
		Status:           StatusPending,
		ActionsCompleted: []CompletedAction{},
		CreatedAt:        now,
		Transitions:      []Transition{{To: StatusPending, At: now, By: "system"}},
	}
	e.executions[exec.ID] = exec
	e.bySignal[key] = exec.ID
	snap := exec.clone()
	e.mu.Unlock()

	metrics.RecordPlaybookTransition(string(StatusPending))
	e.updatePendingGauge()
	e.persist(ctx, &snap)

	logging.Ctx(ctx).Info().
		Str("execution_id", snap.ID).
		Str("playbook_id", pb.ID).
		Str("type", string(sig.Type)).
		Msg("Playbook execution awaiting approval")

	e.requestApproval(ctx, pb, &snap)
	return nil
}

// ApprovalRequest is the payload sent to approvers.
type ApprovalRequest struct {
	ExecutionID string        `json:"execution_id"`
	PlaybookID  string        `json:"playbook_id"`
	Actions     []Action      `json:"actions"`
	Signal      SignalSummary `json:"triggering_signal_summary"`
}

// SignalSummary is the short form of a signal shown to approvers.
type SignalSummary struct {
	ID         string           `json:"id"`
	Type       signals.Type     `json:"type"`
	Severity   signals.Severity `json:"severity"`
	Source     string           `json:"source"`
	Confidence float64          `json:"confidence"`
	CreatedAt  time.Time        `json:"created_at"`
}

func summarize(sig signals.Signal) SignalSummary {
	return SignalSummary{
		ID:         sig.ID,
		Type:       sig.Type,
		Severity:   sig.Severity,
		Source:     sig.Source,
		Confidence: sig.Confidence,
		CreatedAt:  sig.CreatedAt,
	}
}

func (e *Executor) requestApproval(ctx context.Context, pb Playbook, exec *Execution) {
	approvers := e.approversFor(pb)
	if len(approvers) == 0 || e.dispatcher == nil {
		e.recordDeliveryFailure(ctx, exec.ID, "no approvers configured")
		return
	}

	req := ApprovalRequest{
		ExecutionID: exec.ID,
		PlaybookID:  pb.ID,
		Actions:     pb.Actions,
		Signal:      summarize(exec.Signal),
	}
	msg := notify.Message{
		Kind:    notify.KindApprovalRequest,
		Subject: fmt.Sprintf("Approval required: %s", playbookName(pb)),
		Body: fmt.Sprintf("%s signal from %s (severity %s) matched playbook %s with %d actions",
			exec.Signal.Type, exec.Signal.Source, exec.Signal.Severity, pb.ID, len(pb.Actions)),
		Ref:    exec.ID,
		Fields: map[string]any{"approval_request": req},
	}

	id := exec.ID
	for _, approver := range approvers {
		e.dispatcher.Dispatch(ctx, approver, msg, func(err error) {
			if err != nil {
				e.recordDeliveryFailure(context.Background(), id, err.Error())
			}
		})
	}
}

func playbookName(pb Playbook) string {
	if pb.Name != "" {
		return pb.Name
	}
	return pb.ID
}

// recordDeliveryFailure notes a failed approval request. The execution
// stays in its current state.
func (e *Executor) recordDeliveryFailure(ctx context.Context, id, reason string) {
	e.mu.Lock()
	exec, ok := e.executions[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	exec.DeliveryError = reason
	snap := exec.clone()
	e.mu.Unlock()

	logging.Ctx(ctx).Warn().Str("execution_id", id).Str("reason", reason).Msg("Approval request not delivered")
	e.persist(ctx, &snap)
}

// Approve runs an execution's actions. It is only valid from PENDING.
// Action failures do not produce an error: the returned execution is FAILED
// and carries the failure.
func (e *Executor) Approve(ctx context.Context, id, approver string) (Execution, error) {
	if approver == "" {
		return Execution{}, fmt.Errorf("%w: approver is required", ErrInvalidTransition)
	}

	e.mu.Lock()
	exec, ok := e.executions[id]
	if !ok {
		e.mu.Unlock()
		return Execution{}, ErrNotFound
	}
	if exec.Status != StatusPending {
		status := exec.Status
		e.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: cannot approve execution %s in state %s", ErrInvalidTransition, id, status)
	}
	now := e.now().UTC()
	if err := exec.transition(StatusApproved, now, approver, ""); err != nil {
		e.mu.Unlock()
		return Execution{}, err
	}
	exec.Approver = approver
	exec.DecidedAt = &now
	if err := exec.transition(StatusExecuting, now, "system", ""); err != nil {
		e.mu.Unlock()
		return Execution{}, err
	}
	exec.StartedAt = &now
	pb, _ := e.playbook(exec.PlaybookID)
	snap := exec.clone()
	e.mu.Unlock()

	metrics.RecordPlaybookTransition(string(StatusApproved))
	metrics.RecordPlaybookTransition(string(StatusExecuting))
	e.updatePendingGauge()
	e.persist(ctx, &snap)

	logging.Ctx(ctx).Info().Str("execution_id", id).Str("approver", approver).Msg("Playbook execution approved")
	return e.run(ctx, pb, &snap)
}

func (e *Executor) playbook(id string) (Playbook, bool) {
	for _, pb := range e.playbooks {
		if pb.ID == id {
			return pb, true
		}
	}
	return Playbook{}, false
}

// run executes actions in order without holding the lock.
func (e *Executor) run(ctx context.Context, pb Playbook, snap *Execution) (Execution, error) {
	for i, action := range pb.Actions {
		params := renderParams(action.Params, snap.Signal)
		err := e.handlers[action.Kind].Execute(ctx, ActionRequest{
			ExecutionID: snap.ID,
			PlaybookID:  pb.ID,
			Signal:      snap.Signal,
			Params:      params,
			Approvers:   e.approversFor(pb),
		})
		metrics.RecordPlaybookAction(string(action.Kind), err)
		if err != nil {
			failure := &ActionFailure{ExecutionID: snap.ID, Index: i, Kind: action.Kind, Err: err}
			logging.Ctx(ctx).Error().Err(err).
				Str("execution_id", snap.ID).
				Int("action_index", i).
				Str("kind", string(action.Kind)).
				Msg("Playbook action failed")
			return e.finish(ctx, snap.ID, StatusFailed, failure.Error())
		}

		e.mu.Lock()
		exec := e.executions[snap.ID]
		exec.ActionsCompleted = append(exec.ActionsCompleted, CompletedAction{
			Index:       i,
			Kind:        action.Kind,
			Params:      params,
			CompletedAt: e.now().UTC(),
		})
		progress := exec.clone()
		e.mu.Unlock()
		e.persist(ctx, &progress)
	}
	return e.finish(ctx, snap.ID, StatusCompleted, "")
}

func (e *Executor) finish(ctx context.Context, id string, status Status, errMsg string) (Execution, error) {
	e.mu.Lock()
	exec := e.executions[id]
	now := e.now().UTC()
	if err := exec.transition(status, now, "system", errMsg); err != nil {
		e.mu.Unlock()
		return Execution{}, err
	}
	exec.CompletedAt = &now
	exec.Error = errMsg
	snap := exec.clone()
	e.mu.Unlock()

	metrics.RecordPlaybookTransition(string(status))
	metrics.PlaybookExecutionDuration.Observe(snap.Duration().Seconds())
	e.persist(ctx, &snap)

	logging.Ctx(ctx).Info().
		Str("execution_id", id).
		Str("status", string(status)).
		Int("actions_completed", len(snap.ActionsCompleted)).
		Msg("Playbook execution finished")
	return snap, nil
}

// Reject declines a PENDING execution. No actions run.
func (e *Executor) Reject(ctx context.Context, id, approver, reason string) (Execution, error) {
	if approver == "" {
		return Execution{}, fmt.Errorf("%w: approver is required", ErrInvalidTransition)
	}
	return e.reject(ctx, id, approver, reason)
}

func (e *Executor) reject(ctx context.Context, id, by, reason string) (Execution, error) {
	e.mu.Lock()
	exec, ok := e.executions[id]
	if !ok {
		e.mu.Unlock()
		return Execution{}, ErrNotFound
	}
	now := e.now().UTC()
	if err := exec.transition(StatusRejected, now, by, reason); err != nil {
		e.mu.Unlock()
		return Execution{}, err
	}
	exec.Approver = by
	exec.Reason = reason
	exec.DecidedAt = &now
	snap := exec.clone()
	e.mu.Unlock()

	metrics.RecordPlaybookTransition(string(StatusRejected))
	e.updatePendingGauge()
	e.persist(ctx, &snap)

	logging.Ctx(ctx).Info().Str("execution_id", id).Str("by", by).Str("reason", reason).Msg("Playbook execution rejected")
	return snap, nil
}

// ExpirePending rejects PENDING executions older than ApprovalTimeout with
// reason "timed out". It returns how many expired.
func (e *Executor) ExpirePending(ctx context.Context) int {
	if e.config.ApprovalTimeout <= 0 {
		return 0
	}
	cutoff := e.now().UTC().Add(-e.config.ApprovalTimeout)

	e.mu.RLock()
	var expired []string
	for id, exec := range e.executions {
		if exec.Status == StatusPending && !exec.CreatedAt.After(cutoff) {
			expired = append(expired, id)
		}
	}
	e.mu.RUnlock()
	sort.Strings(expired)

	n := 0
	for _, id := range expired {
		// an approval may have won the race since the scan
		if _, err := e.reject(ctx, id, "system", "timed out"); err == nil {
			n++
		}
	}
	return n
}

// RunWithContext sweeps for expired approvals until ctx is cancelled. It
// blocks, so it can run under a supervisor.
func (e *Executor) RunWithContext(ctx context.Context) error {
	logging.Info().Dur("interval", e.config.SweepInterval).Dur("timeout", e.config.ApprovalTimeout).Msg("Approval expiry sweeper started")
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Approval expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if n := e.ExpirePending(ctx); n > 0 {
				logging.Info().Int("expired", n).Msg("Expired pending approvals")
			}
		}
	}
}

// Get returns an execution by ID.
func (e *Executor) Get(id string) (Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[id]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return exec.clone(), nil
}

// Filter selects executions for History.
type Filter struct {
	Status     Status
	PlaybookID string
	Since      time.Time
	Limit      int
}

// History returns executions matching f, newest first.
func (e *Executor) History(f Filter) []Execution {
	e.mu.RLock()
	out := make([]Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		if f.Status != "" && exec.Status != f.Status {
			continue
		}
		if f.PlaybookID != "" && exec.PlaybookID != f.PlaybookID {
			continue
		}
		if !f.Since.IsZero() && exec.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, exec.clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats summarizes executions for success-rate reporting.
type Stats struct {
	Total             int           `json:"total"`
	Pending           int           `json:"pending"`
	Executing         int           `json:"executing"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	Rejected          int           `json:"rejected"`
	MeanExecutionTime time.Duration `json:"mean_execution_time"`
	SuccessRate       float64       `json:"success_rate"`
}

// Stats computes execution counters. MeanExecutionTime covers executions
// that ran to COMPLETED or FAILED.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var st Stats
	var total time.Duration
	for _, exec := range e.executions {
		st.Total++
		switch exec.Status {
		case StatusPending:
			st.Pending++
		case StatusApproved, StatusExecuting:
			st.Executing++
		case StatusCompleted:
			st.Completed++
			total += exec.Duration()
		case StatusFailed:
			st.Failed++
			total += exec.Duration()
		case StatusRejected:
			st.Rejected++
		}
	}
	if ran := st.Completed + st.Failed; ran > 0 {
		st.MeanExecutionTime = total / time.Duration(ran)
		st.SuccessRate = float64(st.Completed) / float64(ran)
	}
	return st
}

func (e *Executor) updatePendingGauge() {
	e.mu.RLock()
	n := 0
	for _, exec := range e.executions {
		if exec.Status == StatusPending {
			n++
		}
	}
	e.mu.RUnlock()
	metrics.PlaybookPending.Set(float64(n))
}

func (e *Executor) persist(ctx context.Context, exec *Execution) {
	if e.store == nil {
		return
	}
	if err := e.store.Put(ctx, store.TableExecutions, exec.ID, exec); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to persist execution")
	}
}

// Restore reloads executions. An execution persisted mid-run cannot be
// resumed safely, so it is marked FAILED.
func (e *Executor) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	loaded := make(map[string]*Execution)
	err := e.store.Scan(ctx, store.TableExecutions, func(key string, data []byte) error {
		var exec Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("Skipping undecodable execution")
			return nil
		}
		loaded[exec.ID] = &exec
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan executions: %w", err)
	}

	var interrupted []Execution
	now := e.now().UTC()
	e.mu.Lock()
	e.executions = loaded
	e.bySignal = make(map[string]string, len(loaded))
	for id, exec := range loaded {
		e.bySignal[exec.SignalID+"/"+exec.PlaybookID] = id
		if exec.Status == StatusExecuting {
			if err := exec.transition(StatusFailed, now, "system", "interrupted by restart"); err == nil {
				exec.Error = "interrupted by restart"
				exec.CompletedAt = &now
				interrupted = append(interrupted, exec.clone())
			}
		}
	}
	e.mu.Unlock()

	for i := range interrupted {
		e.persist(ctx, &interrupted[i])
	}
	e.updatePendingGauge()
	return len(loaded), nil
}
