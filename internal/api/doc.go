// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

/*
Package api exposes the pipeline over HTTP using the Chi router.

All responses use the APIResponse envelope:

	{
	  "success": true,
	  "data": {...},
	  "meta": {"request_id": "...", "timestamp": "...", "duration_ms": 1}
	}

Routes (all under /api/v1 unless noted):

	POST   /signals                      publish a signal (signals:write)
	GET    /signals                      signal history (signals:read)
	GET    /signals/{id}                 one signal (signals:read)
	GET    /anomalies                    anomaly report (reports:read)
	GET    /baselines/{source}           source baseline (reports:read)
	GET    /threats/summary              risk summary (reports:read)
	GET    /threats/timeline/{source}    per-source scores (reports:read)
	GET    /executions                   playbook executions (executions:read)
	GET    /executions/stats             execution statistics (executions:read)
	GET    /executions/{id}              one execution (executions:read)
	POST   /executions/{id}/approve      approve (executions:approve)
	POST   /executions/{id}/reject       reject (executions:approve)
	GET    /escalations                  escalation records (escalations:read)
	GET    /escalations/metrics          acknowledgment metrics (escalations:read)
	GET    /escalations/{id}             one record (escalations:read)
	POST   /escalations/{id}/ack         acknowledge (escalations:ack)
	GET    /oncall/{tier}                roster and schedule (roster:read)
	POST   /oncall/{tier}                add a member (roster:manage)
	DELETE /oncall/{tier}/{identity}     remove a member (roster:manage)
	GET    /diagnostics                  bus diagnostics (diagnostics:read)
	GET    /journal                      audit journal (diagnostics:read)
	GET    /metrics                      Prometheus metrics (root)
	GET    /health                       liveness and component checks (root)

The caller identity is the subject of a verified HS256 bearer token
(Authorization: Bearer). Behind an authenticating proxy the X-Vigil-Identity
header can be trusted instead (authz.trust_identity_header). Approving,
rejecting, acknowledging and roster changes always require an identity and
act as that identity. When authorization is enabled each route also checks
its object and action with the casbin enforcer.

Time windows are given as Go durations (?window=6h). Lists accept
?limit=N.
*/
package api
