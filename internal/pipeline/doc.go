// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

/*
Package pipeline assembles the detection and response components around a
single signal bus.

Subscription order matters. The bus delivers exact-type subscribers before
wildcard subscribers, and wildcard subscribers in registration order, so
the wiring is:

	wildcard             anomaly detector   (first, so anomalies exist before scoring)
	wildcard             threat scorer
	<playbook triggers>  playbook executor
	escalation_required  on-call manager
	<forward types>      NATS forwarder     (optional)

A cascade started by an external publish therefore runs the detector, then
the scorer, and any anomaly_detected signal the detector emits is already
in history when the scorer correlates the original signal.

State is restored from the store by Restore, which must run before the
first publish. Close unsubscribes every handler, closes the bus and waits
for in-flight notifications.
*/
package pipeline
