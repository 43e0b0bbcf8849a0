// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package authz

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Config controls the enforcer.
type Config struct {
	// Enabled turns enforcement on. When off, every request is allowed but
	// identities are still read for attribution.
	Enabled bool `koanf:"enabled"`

	// ModelPath and PolicyPath override the embedded model and policy.
	ModelPath  string `koanf:"model_path"`
	PolicyPath string `koanf:"policy_path"`

	// Members lists the identities holding each role. Keyed by role so
	// identities may contain dots.
	Members map[string][]string `koanf:"members"`

	// DefaultRole applies to identities with no assigned role.
	DefaultRole string `koanf:"default_role"`

	CacheTTL time.Duration `koanf:"cache_ttl" validate:"gte=0"`

	// JWTSecret enables HS256 bearer tokens. The token subject becomes the
	// caller identity.
	JWTSecret   string `koanf:"jwt_secret"`
	JWTIssuer   string `koanf:"jwt_issuer"`
	JWTAudience string `koanf:"jwt_audience"`

	// TrustIdentityHeader accepts IdentityHeader as the caller identity. Only
	// enable it behind a proxy that authenticates callers and strips the
	// header from client requests.
	TrustIdentityHeader bool `koanf:"trust_identity_header"`
}

// DefaultConfig returns enforcement off with viewer as the default role.
func DefaultConfig() Config {
	return Config{
		DefaultRole: "viewer",
		CacheTTL:    time.Minute,
	}
}

// Enforcer evaluates (identity, object, action) requests.
type Enforcer struct {
	config   Config
	enforcer *casbin.SyncedEnforcer
	cache    *decisionCache
	verifier *TokenVerifier
}

// NewEnforcer loads the model and policy and applies the configured role
// assignments.
func NewEnforcer(cfg Config) (*Enforcer, error) {
	var (
		m   model.Model
		err error
	)
	if cfg.ModelPath != "" && fileExists(cfg.ModelPath) {
		m, err = model.NewModelFromFile(cfg.ModelPath)
	} else {
		m, err = model.NewModelFromString(embeddedModel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if cfg.PolicyPath != "" && fileExists(cfg.PolicyPath) {
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(cfg.PolicyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	e := &Enforcer{config: cfg, enforcer: enforcer}
	if cfg.JWTSecret != "" {
		if e.verifier, err = NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience); err != nil {
			return nil, err
		}
	}
	if cfg.CacheTTL > 0 {
		e.cache = newDecisionCache(cfg.CacheTTL, time.Now)
	}
	for role, identities := range cfg.Members {
		for _, identity := range identities {
			if _, err := e.AddRoleForUser(identity, role); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// loadPolicy reads "p, ..." and "g, ..." lines.
func loadPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		switch {
		case parts[0] == "p" && len(parts) == 4:
			if _, err := enforcer.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
				return fmt.Errorf("failed to add policy %v: %w", parts[1:], err)
			}
		case parts[0] == "g" && len(parts) == 3:
			if _, err := enforcer.AddGroupingPolicy(parts[1], parts[2]); err != nil {
				return fmt.Errorf("failed to add grouping policy %v: %w", parts[1:], err)
			}
		default:
			return fmt.Errorf("malformed policy line %q", line)
		}
	}
	return nil
}

// Enabled reports whether decisions are enforced.
func (e *Enforcer) Enabled() bool {
	return e.config.Enabled
}

// Verifier returns the bearer token verifier, or nil without a secret.
func (e *Enforcer) Verifier() *TokenVerifier {
	return e.verifier
}

// Authenticates reports whether any identity source is configured. Without
// one, no request carries an identity and identity-bound actions are refused.
func (e *Enforcer) Authenticates() bool {
	return e.verifier != nil || e.config.TrustIdentityHeader
}

// Enforce reports whether identity may perform action on object. Identities
// without roles are evaluated as the default role.
func (e *Enforcer) Enforce(identity, object, action string) (bool, error) {
	if e.cache != nil {
		if allowed, ok := e.cache.get(identity, object, action); ok {
			return allowed, nil
		}
	}

	subject := identity
	if e.config.DefaultRole != "" {
		roles, err := e.enforcer.GetRolesForUser(identity)
		if err == nil && len(roles) == 0 && !e.isRole(identity) {
			subject = e.config.DefaultRole
		}
	}

	allowed, err := e.enforcer.Enforce(subject, object, action)
	metrics.RecordAuthzDecision(object, action, allowed, err)
	if err != nil {
		return false, fmt.Errorf("enforcement failed: %w", err)
	}
	if e.cache != nil {
		e.cache.set(identity, object, action, allowed)
	}
	if !allowed {
		logging.Debug().Str("identity", identity).Str("object", object).Str("action", action).Msg("Authorization denied")
	}
	return allowed, nil
}

// isRole reports whether name appears as a role in the policy.
func (e *Enforcer) isRole(name string) bool {
	subjects, err := e.enforcer.GetAllSubjects()
	if err != nil {
		return false
	}
	for _, s := range subjects {
		if s == name {
			return true
		}
	}
	return false
}

// AddRoleForUser grants role to identity.
func (e *Enforcer) AddRoleForUser(identity, role string) (bool, error) {
	added, err := e.enforcer.AddGroupingPolicy(identity, role)
	if err != nil {
		return false, fmt.Errorf("failed to add role: %w", err)
	}
	if e.cache != nil {
		e.cache.invalidate(identity)
	}
	return added, nil
}

// DeleteRoleForUser revokes role from identity.
func (e *Enforcer) DeleteRoleForUser(identity, role string) (bool, error) {
	removed, err := e.enforcer.RemoveGroupingPolicy(identity, role)
	if err != nil {
		return false, fmt.Errorf("failed to remove role: %w", err)
	}
	if e.cache != nil {
		e.cache.invalidate(identity)
	}
	return removed, nil
}

// RolesForUser returns the roles directly assigned to identity.
func (e *Enforcer) RolesForUser(identity string) []string {
	roles, err := e.enforcer.GetRolesForUser(identity)
	if err != nil {
		return nil
	}
	return roles
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
