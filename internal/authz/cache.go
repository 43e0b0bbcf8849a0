// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package authz

import (
	"sync"
	"time"
)

type decisionKey struct {
	identity, object, action string
}

type decision struct {
	allowed   bool
	expiresAt time.Time
}

// decisionCache memoizes enforcement results. Entries expire lazily.
type decisionCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	items map[decisionKey]decision
}

func newDecisionCache(ttl time.Duration, now func() time.Time) *decisionCache {
	return &decisionCache{ttl: ttl, now: now, items: make(map[decisionKey]decision)}
}

func (c *decisionCache) get(identity, object, action string) (allowed, ok bool) {
	c.mu.RLock()
	d, found := c.items[decisionKey{identity, object, action}]
	c.mu.RUnlock()
	if !found || c.now().After(d.expiresAt) {
		return false, false
	}
	return d.allowed, true
}

func (c *decisionCache) set(identity, object, action string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, d := range c.items {
		if now.After(d.expiresAt) {
			delete(c.items, k)
		}
	}
	c.items[decisionKey{identity, object, action}] = decision{allowed: allowed, expiresAt: now.Add(c.ttl)}
}

func (c *decisionCache) invalidate(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if k.identity == identity {
			delete(c.items, k)
		}
	}
}
