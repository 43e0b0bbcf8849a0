// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package playbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/vigil/internal/signals"
)

// Status is the state of an execution.
//
//	PENDING -> APPROVED -> EXECUTING -> COMPLETED
//	   |                      |
//	   v                      v
//	REJECTED                FAILED
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusRejected  Status = "REJECTED"
	StatusFailed    Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusExecuting, StatusCompleted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// ActionKind is the closed set of response actions.
type ActionKind string

const (
	ActionNotify           ActionKind = "notify"
	ActionEscalate         ActionKind = "escalate"
	ActionRevokeAccess     ActionKind = "revoke_access"
	ActionQuarantine       ActionKind = "quarantine"
	ActionLogEvidence      ActionKind = "log_evidence"
	ActionRequestForensics ActionKind = "request_forensics"
	ActionBlockSource      ActionKind = "block_source"
	ActionResetCredentials ActionKind = "reset_credentials"
)

// ActionKinds lists every action kind.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionNotify, ActionEscalate, ActionRevokeAccess, ActionQuarantine,
		ActionLogEvidence, ActionRequestForensics, ActionBlockSource, ActionResetCredentials,
	}
}

// Valid reports whether k is a known kind.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Action is one step of a playbook. Param values may reference the
// triggering signal with ${signal_id}, ${source}, ${type}, ${severity} and
// ${payload.<key>}.
type Action struct {
	Kind   ActionKind        `json:"kind" koanf:"kind"`
	Params map[string]string `json:"params,omitempty" koanf:"params"`
}

// Playbook is a static response template.
type Playbook struct {
	ID           string         `json:"id" koanf:"id"`
	Name         string         `json:"name" koanf:"name"`
	TriggerTypes []signals.Type `json:"trigger_types" koanf:"trigger_types"`
	Actions      []Action       `json:"actions" koanf:"actions"`
	// Approvers overrides the executor's default approver list.
	Approvers []string `json:"approvers,omitempty" koanf:"approvers"`
}

// Triggers reports whether the playbook responds to t.
func (p Playbook) Triggers(t signals.Type) bool {
	for _, tt := range p.TriggerTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	By     string    `json:"by,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// CompletedAction records an action that ran successfully.
type CompletedAction struct {
	Index       int               `json:"index"`
	Kind        ActionKind        `json:"kind"`
	Params      map[string]string `json:"params,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Execution is one run of a playbook against a triggering signal.
type Execution struct {
	ID               string            `json:"id"`
	PlaybookID       string            `json:"playbook_id"`
	SignalID         string            `json:"triggering_signal_id"`
	Signal           signals.Signal    `json:"signal"`
	Status           Status            `json:"status"`
	ActionsCompleted []CompletedAction `json:"actions_completed"`
	Approver         string            `json:"approver,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	DecidedAt        *time.Time        `json:"decided_at,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Error            string            `json:"error,omitempty"`
	DeliveryError    string            `json:"delivery_error,omitempty"`
	Transitions      []Transition      `json:"transitions"`
}

// transition moves e to next, recording who and why.
func (e *Execution) transition(next Status, at time.Time, by, reason string) error {
	if !e.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s for execution %s", ErrInvalidTransition, e.Status, next, e.ID)
	}
	e.Transitions = append(e.Transitions, Transition{From: e.Status, To: next, At: at, By: by, Reason: reason})
	e.Status = next
	return nil
}

// clone returns a deep copy safe to hand to callers.
func (e *Execution) clone() Execution {
	c := *e
	c.Signal = e.Signal.Clone()
	c.ActionsCompleted = append([]CompletedAction(nil), e.ActionsCompleted...)
	c.Transitions = append([]Transition(nil), e.Transitions...)
	return c
}

// Duration is the time spent executing actions, zero until finished.
func (e Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

var (
	// ErrNotFound is returned for unknown execution IDs.
	ErrNotFound = errors.New("execution not found")

	// ErrInvalidTransition is returned when an operation is not legal in the
	// execution's current state.
	ErrInvalidTransition = errors.New("invalid execution transition")

	// ErrInvalidPlaybook is returned by NewExecutor for malformed playbooks.
	ErrInvalidPlaybook = errors.New("invalid playbook")
)

// ActionFailure records the action that halted an execution.
type ActionFailure struct {
	ExecutionID string
	Index       int
	Kind        ActionKind
	Err         error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Index, e.Kind, e.Err)
}

func (e *ActionFailure) Unwrap() error {
	return e.Err
}
