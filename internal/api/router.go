// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/authz"
	"github.com/tomtom215/vigil/internal/bus"
	"github.com/tomtom215/vigil/internal/oncall"
	"github.com/tomtom215/vigil/internal/playbook"
	"github.com/tomtom215/vigil/internal/signals"
	"github.com/tomtom215/vigil/internal/store"
	"github.com/tomtom215/vigil/internal/threat"
)

// SignalBus is the bus surface the API uses.
type SignalBus interface {
	Publish(ctx context.Context, sig signals.Signal) (bus.PublishResult, error)
	History(f signals.Filter) []signals.Signal
	Get(id string) (signals.Signal, bool)
	Stats() bus.Stats
	Diagnostics() []bus.Diagnostic
}

// AnomalySource reports detector state.
type AnomalySource interface {
	Report(window time.Duration, sources []string) anomaly.Report
	Baseline(source string) (anomaly.Baseline, bool)
}

// ThreatSource reports scorer state.
type ThreatSource interface {
	Summary(window time.Duration) threat.Summary
	Timeline(source string, window time.Duration) []threat.Score
}

// PlaybookRunner is the executor surface the API uses.
type PlaybookRunner interface {
	Approve(ctx context.Context, id, approver string) (playbook.Execution, error)
	Reject(ctx context.Context, id, approver, reason string) (playbook.Execution, error)
	Get(id string) (playbook.Execution, error)
	History(f playbook.Filter) []playbook.Execution
	Stats() playbook.Stats
}

// OnCallManager is the on-call surface the API uses.
type OnCallManager interface {
	Acknowledge(ctx context.Context, id, identity string) (oncall.Record, error)
	Get(id string) (oncall.Record, error)
	History(window time.Duration) []oncall.Record
	Metrics(window time.Duration) oncall.Metrics
	CurrentOnCall(tier oncall.Tier) (oncall.Shift, error)
	Schedule(tier oncall.Tier, from time.Time, n int) ([]oncall.Shift, error)
	Members(tier oncall.Tier) []string
	AddMember(ctx context.Context, tier oncall.Tier, identity string) error
	RemoveMember(ctx context.Context, tier oncall.Tier, identity string) error
}

// JournalReader reads the audit journal.
type JournalReader interface {
	Journal(ctx context.Context, table store.Table, since time.Time, limit int) ([]store.JournalEntry, error)
}

// HealthCheck reports the health of one component; nil means healthy.
type HealthCheck func(ctx context.Context) error

// Dependencies are the components served by the API. Journal and Checks
// are optional.
type Dependencies struct {
	Bus       SignalBus
	Anomalies AnomalySource
	Threats   ThreatSource
	Playbooks PlaybookRunner
	OnCall    OnCallManager
	Journal   JournalReader
	Checks    map[string]HealthCheck
}

// Handler serves the API routes.
type Handler struct {
	deps      Dependencies
	startTime time.Time
	now       func() time.Time
}

// NewHandler creates a handler over deps.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps, startTime: time.Now(), now: time.Now}
}

// NewRouter builds the Chi router. A nil enforcer disables authorization.
func NewRouter(cfg Config, h *Handler, enforcer *authz.Enforcer) http.Handler {
	mw := NewChiMiddleware(cfg)
	az := authz.NewMiddleware(enforcer)

	r := chi.NewRouter()
	r.Use(RequestCorrelation())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())
	r.Use(Instrument())

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.RateLimit())
		r.Use(SecurityHeaders())
		r.Use(limitBody(cfg.MaxBodyBytes))
		r.Use(az.Identify)

		r.With(az.Require("signals", "write")).Post("/signals", h.PublishSignal)
		r.With(az.Require("signals", "read")).Get("/signals", h.ListSignals)
		r.With(az.Require("signals", "read")).Get("/signals/{id}", h.GetSignal)

		r.Group(func(r chi.Router) {
			r.Use(az.Require("reports", "read"))
			r.Get("/anomalies", h.Anomalies)
			r.Get("/baselines/{source}", h.Baseline)
			r.Get("/threats/summary", h.ThreatSummary)
			r.Get("/threats/timeline/{source}", h.ThreatTimeline)
		})

		r.Route("/executions", func(r chi.Router) {
			r.With(az.Require("executions", "read")).Get("/", h.ListExecutions)
			r.With(az.Require("executions", "read")).Get("/stats", h.ExecutionStats)
			r.With(az.Require("executions", "read")).Get("/{id}", h.GetExecution)
			r.With(az.Authenticated, az.Require("executions", "approve")).Post("/{id}/approve", h.ApproveExecution)
			r.With(az.Authenticated, az.Require("executions", "approve")).Post("/{id}/reject", h.RejectExecution)
		})

		r.Route("/escalations", func(r chi.Router) {
			r.With(az.Require("escalations", "read")).Get("/", h.ListEscalations)
			r.With(az.Require("escalations", "read")).Get("/metrics", h.EscalationMetrics)
			r.With(az.Require("escalations", "read")).Get("/{id}", h.GetEscalation)
			r.With(az.Authenticated, az.Require("escalations", "ack")).Post("/{id}/ack", h.AcknowledgeEscalation)
		})

		r.Route("/oncall/{tier}", func(r chi.Router) {
			r.With(az.Require("roster", "read")).Get("/", h.OnCall)
			r.With(az.Authenticated, az.Require("roster", "manage")).Post("/", h.AddOnCallMember)
			r.With(az.Authenticated, az.Require("roster", "manage")).Delete("/{identity}", h.RemoveOnCallMember)
		})

		r.Group(func(r chi.Router) {
			r.Use(az.Require("diagnostics", "read"))
			r.Get("/diagnostics", h.Diagnostics)
			r.Get("/journal", h.Journal)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})
	return r
}
