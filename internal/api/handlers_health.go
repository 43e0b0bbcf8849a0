// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/vigil/internal/store"
)

const healthCheckTimeout = 2 * time.Second

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status     string            `json:"status"`
	Uptime     float64           `json:"uptime_seconds"`
	Components map[string]string `json:"components,omitempty"`
}

// Health handles GET /health. Any failing check reports "degraded" with
// status 503 so load balancers can act on it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "healthy",
		Uptime: time.Since(h.startTime).Seconds(),
	}
	if len(h.deps.Checks) > 0 {
		names := make([]string, 0, len(h.deps.Checks))
		for name := range h.deps.Checks {
			names = append(names, name)
		}
		sort.Strings(names)

		results := make([]error, len(names))
		var g errgroup.Group
		for i, name := range names {
			check := h.deps.Checks[name]
			g.Go(func() error {
				results[i] = check(ctx)
				return nil
			})
		}
		_ = g.Wait()

		status.Components = make(map[string]string, len(names))
		for i, name := range names {
			if results[i] != nil {
				status.Components[name] = results[i].Error()
				status.Status = "degraded"
				continue
			}
			status.Components[name] = "ok"
		}
	}

	rw := NewResponseWriter(w, r)
	if status.Status != "healthy" {
		rw.writeJSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: status, Meta: rw.meta()})
		return
	}
	rw.Success(status)
}

// Journal handles GET /api/v1/journal?table=executions&since=...&limit=N.
func (h *Handler) Journal(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deps.Journal == nil {
		rw.ServiceUnavailable("Journal is not available")
		return
	}

	table := store.Table(r.URL.Query().Get("table"))
	if table != "" && !table.Valid() {
		rw.BadRequest("Unknown table " + string(table))
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	entries, err := h.deps.Journal.Journal(r.Context(), table, since, limit)
	if err != nil {
		rw.StoreError(err)
		return
	}
	rw.List(entries, len(entries))
}
