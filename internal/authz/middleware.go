// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package authz

import (
	"context"
	"net/http"
	"strings"

	"github.com/tomtom215/vigil/internal/logging"
)

// IdentityHeader carries the caller identity set by an authenticating proxy.
// It is read only when Config.TrustIdentityHeader is set.
const IdentityHeader = "X-Vigil-Identity"

type identityKey struct{}

// ContextWithIdentity stores the caller identity.
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the caller identity, or "".
func IdentityFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey{}).(string); ok {
		return id
	}
	return ""
}

// Middleware applies the enforcer to HTTP routes.
type Middleware struct {
	enforcer *Enforcer
}

// NewMiddleware wraps enforcer. A nil enforcer allows every route except the
// identity-bound ones guarded by Authenticated.
func NewMiddleware(enforcer *Enforcer) *Middleware {
	return &Middleware{enforcer: enforcer}
}

// Identify resolves the caller identity into the request context. A bearer
// token must verify or the request is rejected with 401. Without a token the
// identity header is used when trusted; otherwise the request is anonymous.
func (m *Middleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" {
			if m.enforcer == nil || m.enforcer.verifier == nil {
				http.Error(w, "Unauthorized: bearer tokens are not accepted", http.StatusUnauthorized)
				return
			}
			subject, err := m.enforcer.verifier.Verify(token)
			if err != nil {
				logging.Ctx(r.Context()).Debug().Err(err).Msg("Bearer token rejected")
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), subject)))
			return
		}
		if m.enforcer != nil && m.enforcer.config.TrustIdentityHeader {
			if id := strings.TrimSpace(r.Header.Get(IdentityHeader)); id != "" {
				r = r.WithContext(ContextWithIdentity(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticated rejects anonymous requests with 401 whether or not
// enforcement is enabled. It guards actions attributed to the caller.
func (m *Middleware) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IdentityFromContext(r.Context()) == "" {
			http.Error(w, "Unauthorized: authenticated identity required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests whose identity may not perform action on
// object. It responds 401 without an identity and 403 when denied.
func (m *Middleware) Require(object, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.enforcer == nil || !m.enforcer.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			identity := IdentityFromContext(r.Context())
			if identity == "" {
				http.Error(w, "Unauthorized: missing identity", http.StatusUnauthorized)
				return
			}
			allowed, err := m.enforcer.Enforce(identity, object, action)
			if err != nil {
				logging.Ctx(r.Context()).Error().Err(err).Msg("Authorization error")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				http.Error(w, "Forbidden: insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
