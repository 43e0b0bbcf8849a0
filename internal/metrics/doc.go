// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

/*
Package metrics provides Prometheus instrumentation for the detection and
response pipeline.

All collectors are registered with the default registry through promauto and
exposed at /metrics by the API server:

	curl http://localhost:8088/metrics

# Available Metrics

Bus:
  - vigil_signals_published_total{type,severity}
  - vigil_signals_deduplicated_total
  - vigil_signals_rejected_total{reason}
  - vigil_signals_dropped_total (cascade depth exceeded)
  - vigil_handler_errors_total{handler}
  - vigil_dispatch_duration_seconds

Detection and scoring:
  - vigil_anomalies_detected_total{method}
  - vigil_anomaly_score (histogram)
  - vigil_threat_scores_total{risk_level}
  - vigil_threat_score (histogram)

Response:
  - vigil_playbook_transitions_total{status}
  - vigil_playbook_actions_total{kind,result}
  - vigil_playbook_execution_duration_seconds
  - vigil_playbook_pending

On-call:
  - vigil_escalations_total{tier}
  - vigil_escalation_ack_seconds{tier}

Delivery:
  - vigil_notifications_total{channel,result}
  - vigil_circuit_breaker_state{name}
  - vigil_http_requests_total{method,route,status}
  - vigil_http_request_duration_seconds{method,route}

The Record* helpers keep label handling in one place so call sites stay a
single line.
*/
package metrics
