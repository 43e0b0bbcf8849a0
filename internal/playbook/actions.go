// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package playbook

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/notify"
	"github.com/tomtom215/vigil/internal/signals"
)

// ActionDelegate performs the concrete side effect of an action. The core
// only sequences and records actions.
type ActionDelegate interface {
	PerformAction(ctx context.Context, kind ActionKind, params map[string]string) error
}

// ActionRequest is what a handler receives for one step.
type ActionRequest struct {
	ExecutionID string
	PlaybookID  string
	Signal      signals.Signal
	Params      map[string]string
	Approvers   []string
}

// ActionHandler implements one action kind.
type ActionHandler interface {
	Kind() ActionKind
	// RequiredParams lists params every playbook step of this kind must set.
	RequiredParams() []string
	Execute(ctx context.Context, req ActionRequest) error
}

// NotifyAction sends a message through a notifier. Without an "identity"
// param it notifies every approver of the execution.
type NotifyAction struct {
	notifier notify.Notifier
}

// NewNotifyAction creates the notify handler.
func NewNotifyAction(n notify.Notifier) *NotifyAction {
	return &NotifyAction{notifier: n}
}

func (a *NotifyAction) Kind() ActionKind         { return ActionNotify }
func (a *NotifyAction) RequiredParams() []string { return nil }

func (a *NotifyAction) Execute(ctx context.Context, req ActionRequest) error {
	recipients := req.Approvers
	if id := req.Params["identity"]; id != "" {
		recipients = []string{id}
	}
	if len(recipients) == 0 {
		return errors.New("notify: no recipients")
	}

	message := req.Params["message"]
	if message == "" {
		message = fmt.Sprintf("Playbook %s ran for %s signal from %s", req.PlaybookID, req.Signal.Type, req.Signal.Source)
	}
	msg := notify.Message{
		Kind:    notify.KindAction,
		Subject: "Response action",
		Body:    message,
		Ref:     req.ExecutionID,
	}
	var errs []error
	for _, identity := range recipients {
		if err := a.notifier.Notify(ctx, identity, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DelegatedAction hands its step to the external ActionDelegate.
type DelegatedAction struct {
	kind     ActionKind
	required []string
	delegate ActionDelegate
}

func (a *DelegatedAction) Kind() ActionKind         { return a.kind }
func (a *DelegatedAction) RequiredParams() []string { return a.required }

func (a *DelegatedAction) Execute(ctx context.Context, req ActionRequest) error {
	for _, p := range a.required {
		if strings.TrimSpace(req.Params[p]) == "" {
			return fmt.Errorf("%s: param %q resolved to an empty value", a.kind, p)
		}
	}
	return a.delegate.PerformAction(ctx, a.kind, req.Params)
}

// DefaultHandlers returns one handler per action kind.
func DefaultHandlers(delegate ActionDelegate, n notify.Notifier) []ActionHandler {
	delegated := func(kind ActionKind, required ...string) ActionHandler {
		return &DelegatedAction{kind: kind, required: required, delegate: delegate}
	}
	return []ActionHandler{
		NewNotifyAction(n),
		delegated(ActionEscalate, "tier"),
		delegated(ActionRevokeAccess, "subject"),
		delegated(ActionQuarantine, "target"),
		delegated(ActionLogEvidence),
		delegated(ActionRequestForensics, "target"),
		delegated(ActionBlockSource, "source"),
		delegated(ActionResetCredentials, "subject"),
	}
}

// LogDelegate is an ActionDelegate that only logs. It stands in when no
// integration is wired.
type LogDelegate struct{}

// PerformAction logs the action.
func (LogDelegate) PerformAction(ctx context.Context, kind ActionKind, params map[string]string) error {
	logging.Ctx(ctx).Info().Str("kind", string(kind)).Interface("params", params).Msg("Response action performed")
	return nil
}

var placeholder = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)

// renderParams substitutes signal fields into template params.
// Unknown placeholders resolve to an empty string.
func renderParams(params map[string]string, sig signals.Signal) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = placeholder.ReplaceAllStringFunc(v, func(m string) string {
			name := placeholder.FindStringSubmatch(m)[1]
			switch name {
			case "signal_id":
				return sig.ID
			case "source":
				return sig.Source
			case "type":
				return string(sig.Type)
			case "severity":
				return string(sig.Severity)
			}
			if key, ok := strings.CutPrefix(name, "payload."); ok {
				if v, ok := sig.Payload[key]; ok && v != nil {
					return fmt.Sprint(v)
				}
			}
			return ""
		})
	}
	return out
}
