// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package authz decides who may act on the pipeline, using Casbin RBAC.
//
// The caller identity is the subject of an HS256 bearer token signed with
// the shared secret (Config.JWTSecret). Behind a proxy that authenticates
// callers, the X-Vigil-Identity header may be trusted instead. Identities map
// to roles through configuration (or a policy file), and roles map to
// permissions on a small set of objects:
//
//	signals      read, write
//	reports      read
//	executions   read, approve
//	escalations  read, ack
//	roster       read, manage
//	diagnostics  read
//
// The embedded policy defines viewer < responder < approver < admin, where
// each role inherits the permissions of the one before it. Identities with
// no role get the configured default role. Routes that act as the caller
// (approve, reject, ack, roster changes) also use Authenticated, so they
// refuse anonymous requests even with enforcement disabled.
//
// # Usage
//
//	enf, err := authz.NewEnforcer(authz.Config{
//	    Enabled:   true,
//	    JWTSecret: secret,
//	    Members:   map[string][]string{"approver": {"alice"}},
//	})
//	mw := authz.NewMiddleware(enf)
//	r.Use(mw.Identify)
//	r.With(mw.Authenticated, mw.Require("executions", "approve")).Post("/executions/{id}/approve", h)
package authz
