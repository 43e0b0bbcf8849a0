// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package bus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/signals"
	"github.com/tomtom215/vigil/internal/store"
)

// DiagnosticKind classifies a diagnostic event.
type DiagnosticKind string

const (
	DiagDepthExceeded DiagnosticKind = "depth_exceeded"
	DiagHandlerError  DiagnosticKind = "handler_error"
	DiagPersistError  DiagnosticKind = "persist_error"
)

// Diagnostic records a condition the bus recovered from.
type Diagnostic struct {
	ID         string         `json:"id"`
	At         time.Time      `json:"at"`
	Kind       DiagnosticKind `json:"kind"`
	SignalID   string         `json:"signal_id,omitempty"`
	SignalType signals.Type   `json:"signal_type,omitempty"`
	Source     string         `json:"source,omitempty"`
	Handler    string         `json:"handler,omitempty"`
	Depth      int            `json:"depth,omitempty"`
	Detail     string         `json:"detail"`
}

// addDiagnostic appends d to the ring and, with a store, to the diagnostics
// table. A diagnostic pushed out of the ring is deleted from the table too.
func (b *Bus) addDiagnostic(ctx context.Context, d Diagnostic) {
	b.mu.Lock()
	d.ID = signals.NewID()
	d.At = b.now().UTC()
	if d.Kind == DiagDepthExceeded {
		b.stats.Dropped++
	}
	evicted, hasEvicted := b.appendDiagLocked(d)
	b.mu.Unlock()

	if b.store == nil {
		return
	}
	// failures here are logged only; recording them would recurse
	if err := b.store.Put(ctx, store.TableDiagnostics, d.ID, d); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("kind", string(d.Kind)).Msg("Failed to persist diagnostic")
	}
	if hasEvicted {
		if err := b.store.Delete(ctx, store.TableDiagnostics, evicted.ID); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("diagnostic_id", evicted.ID).Msg("Failed to delete evicted diagnostic")
		}
	}
}

func (b *Bus) appendDiagLocked(d Diagnostic) (Diagnostic, bool) {
	if len(b.diag) < b.config.DiagnosticsSize {
		b.diag = append(b.diag, d)
		return Diagnostic{}, false
	}
	evicted := b.diag[b.diagStart]
	b.diag[b.diagStart] = d
	b.diagStart = (b.diagStart + 1) % len(b.diag)
	return evicted, true
}

// Diagnostics returns recorded diagnostics, oldest first.
func (b *Bus) Diagnostics() []Diagnostic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Diagnostic, 0, len(b.diag))
	for i := 0; i < len(b.diag); i++ {
		out = append(out, b.diag[(b.diagStart+i)%len(b.diag)])
	}
	return out
}

// RestoreDiagnostics reloads the diagnostics ring from the store, keeping
// the most recent Config.DiagnosticsSize entries. It must be called before
// any publish.
func (b *Bus) RestoreDiagnostics(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}

	var stored []Diagnostic
	err := b.store.Scan(ctx, store.TableDiagnostics, func(key string, data []byte) error {
		var d Diagnostic
		if err := json.Unmarshal(data, &d); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("Skipping undecodable diagnostic record")
			return nil
		}
		stored = append(stored, d)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan diagnostics: %w", err)
	}

	sort.SliceStable(stored, func(i, j int) bool {
		if stored[i].At.Equal(stored[j].At) {
			return stored[i].ID < stored[j].ID
		}
		return stored[i].At.Before(stored[j].At)
	})
	if overflow := len(stored) - b.config.DiagnosticsSize; overflow > 0 {
		for _, d := range stored[:overflow] {
			if err := b.store.Delete(ctx, store.TableDiagnostics, d.ID); err != nil {
				return 0, fmt.Errorf("trim diagnostic %s: %w", d.ID, err)
			}
		}
		stored = stored[overflow:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.diag = append(b.diag[:0], stored...)
	b.diagStart = 0
	return len(b.diag), nil
}
