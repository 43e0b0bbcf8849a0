// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/vigil/internal/authz"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/oncall"
)

// MemberRequest adds an identity to a tier rotation.
type MemberRequest struct {
	Identity string `json:"identity"`
}

// OnCallView is the response for GET /api/v1/oncall/{tier}.
type OnCallView struct {
	Tier     oncall.Tier    `json:"tier"`
	Members  []string       `json:"members"`
	Current  *oncall.Shift  `json:"current,omitempty"`
	Schedule []oncall.Shift `json:"schedule"`
}

const maxScheduleShifts = 48

// ListEscalations handles GET /api/v1/escalations?window=24h.
func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	window, err := queryWindow(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	records := h.deps.OnCall.History(window)
	if pending := r.URL.Query().Get("pending"); pending == "true" {
		open := records[:0:0]
		for _, rec := range records {
			if !rec.Acknowledged() {
				open = append(open, rec)
			}
		}
		records = open
	}
	if len(records) > limit {
		records = records[:limit]
	}
	rw.List(records, len(records))
}

// EscalationMetrics handles GET /api/v1/escalations/metrics?window=24h.
func (h *Handler) EscalationMetrics(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	window, err := queryWindow(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	rw.Success(h.deps.OnCall.Metrics(window))
}

// GetEscalation handles GET /api/v1/escalations/{id}.
func (h *Handler) GetEscalation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rec, err := h.deps.OnCall.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeOnCallError(rw, r, err)
		return
	}
	rw.Success(rec)
}

// AcknowledgeEscalation handles POST /api/v1/escalations/{id}/ack as the
// authenticated caller. Repeating an acknowledgment returns the original
// record.
func (h *Handler) AcknowledgeEscalation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	identity := authz.IdentityFromContext(r.Context())
	if identity == "" {
		rw.Unauthorized("Authenticated identity is required")
		return
	}

	rec, err := h.deps.OnCall.Acknowledge(r.Context(), chi.URLParam(r, "id"), identity)
	if err != nil {
		writeOnCallError(rw, r, err)
		return
	}
	rw.Success(rec)
}

// OnCall handles GET /api/v1/oncall/{tier}?shifts=N. It returns the
// members, the current shift, and the next N shifts.
func (h *Handler) OnCall(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tier, ok := tierParam(rw, r)
	if !ok {
		return
	}

	n := 6
	if raw := r.URL.Query().Get("shifts"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			rw.BadRequest("shifts must be a non-negative integer")
			return
		}
		n = min(v, maxScheduleShifts)
	}

	view := OnCallView{
		Tier:     tier,
		Members:  h.deps.OnCall.Members(tier),
		Schedule: []oncall.Shift{},
	}
	if shift, err := h.deps.OnCall.CurrentOnCall(tier); err == nil {
		view.Current = &shift
	} else if !errors.Is(err, oncall.ErrNoOnCall) {
		writeOnCallError(rw, r, err)
		return
	}
	if n > 0 && len(view.Members) > 0 {
		schedule, err := h.deps.OnCall.Schedule(tier, h.now(), n)
		if err != nil {
			writeOnCallError(rw, r, err)
			return
		}
		view.Schedule = schedule
	}
	rw.Success(view)
}

// AddOnCallMember handles POST /api/v1/oncall/{tier}.
func (h *Handler) AddOnCallMember(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tier, ok := tierParam(rw, r)
	if !ok {
		return
	}
	var req MemberRequest
	if err := decodeBody(r, &req, false); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		rw.ValidationError("identity is required", map[string]string{"field": "identity"})
		return
	}

	if err := h.deps.OnCall.AddMember(r.Context(), tier, identity); err != nil {
		writeOnCallError(rw, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().
		Str("tier", string(tier)).
		Str("member", identity).
		Str("by", authz.IdentityFromContext(r.Context())).
		Msg("On-call member added")
	rw.Created(map[string]any{"tier": tier, "members": h.deps.OnCall.Members(tier)})
}

// RemoveOnCallMember handles DELETE /api/v1/oncall/{tier}/{identity}.
func (h *Handler) RemoveOnCallMember(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	tier, ok := tierParam(rw, r)
	if !ok {
		return
	}
	identity := chi.URLParam(r, "identity")
	if err := h.deps.OnCall.RemoveMember(r.Context(), tier, identity); err != nil {
		writeOnCallError(rw, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().
		Str("tier", string(tier)).
		Str("member", identity).
		Str("by", authz.IdentityFromContext(r.Context())).
		Msg("On-call member removed")
	rw.NoContent()
}

func tierParam(rw *ResponseWriter, r *http.Request) (oncall.Tier, bool) {
	tier, err := oncall.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		rw.BadRequest(err.Error())
		return "", false
	}
	return tier, true
}

func writeOnCallError(rw *ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, oncall.ErrNotFound):
		rw.NotFound("Escalation record not found")
	case errors.Is(err, oncall.ErrMemberNotFound), errors.Is(err, oncall.ErrNoOnCall):
		rw.NotFound(err.Error())
	case errors.Is(err, oncall.ErrDuplicateMember):
		rw.Conflict(err.Error())
	case errors.Is(err, oncall.ErrUnknownTier):
		rw.BadRequest(err.Error())
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("On-call request failed")
		rw.InternalError("On-call request failed")
	}
}
