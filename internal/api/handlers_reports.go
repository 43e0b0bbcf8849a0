// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Anomalies handles GET /api/v1/anomalies?window=24h&sources=a,b.
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	window, err := queryWindow(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	rw.Success(h.deps.Anomalies.Report(window, queryList(r, "sources")))
}

// Baseline handles GET /api/v1/baselines/{source}.
func (h *Handler) Baseline(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	b, ok := h.deps.Anomalies.Baseline(chi.URLParam(r, "source"))
	if !ok {
		rw.NotFound("No baseline for source")
		return
	}
	rw.Success(b)
}

// ThreatSummary handles GET /api/v1/threats/summary?window=24h.
func (h *Handler) ThreatSummary(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	window, err := queryWindow(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	rw.Success(h.deps.Threats.Summary(window))
}

// ThreatTimeline handles GET /api/v1/threats/timeline/{source}?window=24h.
func (h *Handler) ThreatTimeline(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	window, err := queryWindow(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	scores := h.deps.Threats.Timeline(chi.URLParam(r, "source"), window)
	rw.List(scores, len(scores))
}
