// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/vigil/internal/authz"
	"github.com/tomtom215/vigil/internal/bus"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/signals"
)

// PublishSignal handles POST /api/v1/signals. The bus assigns ID and
// CreatedAt; values supplied in the body are ignored.
func (h *Handler) PublishSignal(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var sig signals.Signal
	if err := decodeBody(r, &sig, false); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	sig.ID, sig.CreatedAt = "", time.Time{}

	res, err := h.deps.Bus.Publish(r.Context(), sig)
	if err != nil {
		var verr *signals.ValidationError
		switch {
		case errors.As(err, &verr):
			rw.ValidationError(verr.Error(), map[string]string{"field": verr.Field})
		case errors.Is(err, bus.ErrClosed):
			rw.ServiceUnavailable("Signal bus is shutting down")
		default:
			logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to publish signal")
			rw.InternalError("Failed to publish signal")
		}
		return
	}

	logging.Ctx(r.Context()).Debug().
		Str("signal_id", res.ID).
		Str("signal_type", string(sig.Type)).
		Str("identity", authz.IdentityFromContext(r.Context())).
		Bool("duplicate", res.Duplicate).
		Msg("Signal published via API")

	if res.Duplicate {
		rw.Success(res)
		return
	}
	rw.Created(res)
}

// ListSignals handles GET /api/v1/signals. Filters: types, sources, since,
// until, limit.
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
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
	until, err := queryTime(r, "until")
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	f := signals.Filter{
		Sources: queryList(r, "sources"),
		Since:   since,
		Until:   until,
		Limit:   limit,
	}
	for _, raw := range queryList(r, "types") {
		typ, err := signals.ParseType(raw)
		if err != nil {
			rw.BadRequest(err.Error())
			return
		}
		f.Types = append(f.Types, typ)
	}

	out := h.deps.Bus.History(f)
	rw.List(out, len(out))
}

// GetSignal handles GET /api/v1/signals/{id}.
func (h *Handler) GetSignal(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sig, ok := h.deps.Bus.Get(chi.URLParam(r, "id"))
	if !ok {
		rw.NotFound("Signal not found")
		return
	}
	rw.Success(sig)
}

// Diagnostics handles GET /api/v1/diagnostics.
func (h *Handler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	diags := h.deps.Bus.Diagnostics()
	NewResponseWriter(w, r).Success(map[string]any{
		"bus":         h.deps.Bus.Stats(),
		"diagnostics": diags,
	})
}
