// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/vigil/internal/authz"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/playbook"
)

// DecisionRequest is the optional body of approve and reject calls. The
// approver is always the authenticated caller.
type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ListExecutions handles GET /api/v1/executions?status=PENDING&playbook=id.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	limit, err := queryLimit(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	f := playbook.Filter{
		PlaybookID: r.URL.Query().Get("playbook"),
		Since:      since,
		Limit:      limit,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := playbook.Status(strings.ToUpper(raw))
		if !status.Valid() {
			rw.BadRequest("Unknown execution status " + raw)
			return
		}
		f.Status = status
	}

	out := h.deps.Playbooks.History(f)
	rw.List(out, len(out))
}

// ExecutionStats handles GET /api/v1/executions/stats.
func (h *Handler) ExecutionStats(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.deps.Playbooks.Stats())
}

// GetExecution handles GET /api/v1/executions/{id}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	exec, err := h.deps.Playbooks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeExecutionError(rw, r, err)
		return
	}
	rw.Success(exec)
}

// ApproveExecution handles POST /api/v1/executions/{id}/approve. The
// response carries the final execution; a failed action leaves it FAILED
// with the request still succeeding.
func (h *Handler) ApproveExecution(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	_, approver, ok := decisionFrom(rw, r)
	if !ok {
		return
	}

	exec, err := h.deps.Playbooks.Approve(r.Context(), chi.URLParam(r, "id"), approver)
	if err != nil {
		writeExecutionError(rw, r, err)
		return
	}
	rw.Success(exec)
}

// RejectExecution handles POST /api/v1/executions/{id}/reject.
func (h *Handler) RejectExecution(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	req, approver, ok := decisionFrom(rw, r)
	if !ok {
		return
	}

	exec, err := h.deps.Playbooks.Reject(r.Context(), chi.URLParam(r, "id"), approver, req.Reason)
	if err != nil {
		writeExecutionError(rw, r, err)
		return
	}
	rw.Success(exec)
}

// decisionFrom reads the optional body and the authenticated approver.
func decisionFrom(rw *ResponseWriter, r *http.Request) (DecisionRequest, string, bool) {
	var req DecisionRequest
	approver := authz.IdentityFromContext(r.Context())
	if approver == "" {
		rw.Unauthorized("Authenticated approver identity is required")
		return req, "", false
	}
	if err := decodeBody(r, &req, true); err != nil {
		rw.BadRequest(err.Error())
		return req, "", false
	}
	return req, approver, true
}

func writeExecutionError(rw *ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, playbook.ErrNotFound):
		rw.NotFound("Execution not found")
	case errors.Is(err, playbook.ErrInvalidTransition):
		rw.Conflict(err.Error())
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("Execution request failed")
		rw.InternalError("Execution request failed")
	}
}
