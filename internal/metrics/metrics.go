// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus Metrics
	SignalsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_signals_published_total",
			Help: "Total number of signals stored by the bus",
		},
		[]string{"type", "severity"},
	)

	SignalsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_signals_deduplicated_total",
			Help: "Total number of publishes suppressed by the dedup window",
		},
	)

	SignalsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_signals_rejected_total",
			Help: "Total number of signals rejected at ingestion",
		},
		[]string{"reason"}, // "validation", "closed"
	)

	SignalsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_signals_dropped_total",
			Help: "Total number of re-entrant signals dropped for exceeding the cascade depth",
		},
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_handler_errors_total",
			Help: "Total number of subscriber handler failures",
		},
		[]string{"handler"},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_dispatch_duration_seconds",
			Help:    "Time to fan out one top-level publish including queued cascades",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	HistorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_history_size",
			Help: "Current number of signals held in the history ring",
		},
	)

	// Anomaly Detector Metrics
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_anomalies_detected_total",
			Help: "Total number of anomalies emitted, by contributing method",
		},
		[]string{"method"}, // "z_score", "novelty", "confidence_deviation"
	)

	AnomalyScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_anomaly_score",
			Help:    "Distribution of anomaly scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	BaselinesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_baselines_tracked",
			Help: "Number of sources with a baseline",
		},
	)

	// Threat Scorer Metrics
	ThreatScoresByLevel = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_threat_scores_total",
			Help: "Total number of threat scores computed, by risk level",
		},
		[]string{"risk_level"},
	)

	ThreatScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_threat_score",
			Help:    "Distribution of threat scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	// Playbook Metrics
	PlaybookTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_playbook_transitions_total",
			Help: "Total number of execution state transitions, by target status",
		},
		[]string{"status"},
	)

	PlaybookActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_playbook_actions_total",
			Help: "Total number of playbook actions run",
		},
		[]string{"kind", "result"},
	)

	PlaybookExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_playbook_execution_duration_seconds",
			Help:    "Time from EXECUTING to a terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlaybookPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_playbook_pending",
			Help: "Executions currently awaiting approval",
		},
	)

	// On-Call Metrics
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_escalations_total",
			Help: "Total number of escalation records created",
		},
		[]string{"tier"},
	)

	EscalationAckLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_escalation_ack_seconds",
			Help:    "Time from notification to acknowledgment",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1800, 3600, 7200},
		},
		[]string{"tier"},
	)

	// Delivery Metrics
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notifications_total",
			Help: "Total number of notification deliveries",
		},
		[]string{"channel", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Event Bridge Metrics
	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_bridge_messages_total",
			Help: "Total number of messages handled by the event bridge",
		},
		[]string{"direction", "result"}, // direction: "ingest", "forward"
	)

	// Authorization Metrics
	AuthzDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_authz_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"object", "action", "result"}, // result: "allowed", "denied", "error"
	)

	// API Metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)
)

// RecordPublish records a stored signal.
func RecordPublish(signalType, severity string) {
	SignalsPublished.WithLabelValues(signalType, severity).Inc()
}

// RecordHandlerError records a failed subscriber.
func RecordHandlerError(handler string) {
	HandlerErrors.WithLabelValues(handler).Inc()
}

// RecordAnomaly records an emitted anomaly and each method that contributed.
func RecordAnomaly(score float64, methods []string) {
	AnomalyScores.Observe(score)
	for _, m := range methods {
		AnomaliesDetected.WithLabelValues(m).Inc()
	}
}

// RecordThreatScore records a computed score.
func RecordThreatScore(score float64, riskLevel string) {
	ThreatScores.Observe(score)
	ThreatScoresByLevel.WithLabelValues(riskLevel).Inc()
}

// RecordPlaybookTransition records an execution entering status.
func RecordPlaybookTransition(status string) {
	PlaybookTransitions.WithLabelValues(status).Inc()
}

// RecordPlaybookAction records one action result.
func RecordPlaybookAction(kind string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	PlaybookActions.WithLabelValues(kind, result).Inc()
}

// RecordEscalation records a new escalation record.
func RecordEscalation(tier string) {
	Escalations.WithLabelValues(tier).Inc()
}

// RecordAcknowledgment records the time it took to acknowledge an escalation.
func RecordAcknowledgment(tier string, latency time.Duration) {
	EscalationAckLatency.WithLabelValues(tier).Observe(latency.Seconds())
}

// RecordNotification records a notification delivery attempt.
func RecordNotification(channel string, err error) {
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	Notifications.WithLabelValues(channel, result).Inc()
}

// RecordBridgeMessage records an event bridge message outcome.
func RecordBridgeMessage(direction string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	BridgeMessages.WithLabelValues(direction, result).Inc()
}

// RecordAuthzDecision records the outcome of a policy check.
func RecordAuthzDecision(object, action string, allowed bool, err error) {
	result := "denied"
	switch {
	case err != nil:
		result = "error"
	case allowed:
		result = "allowed"
	}
	AuthzDecisions.WithLabelValues(object, action, result).Inc()
}

// RecordHTTPRequest records an API request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
