// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package oncall

import (
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/vigil/internal/signals"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		sev  signals.Severity
		want Tier
		ok   bool
	}{
		{signals.SeverityCritical, TierP1, true},
		{signals.SeverityHigh, TierP2, true},
		{signals.SeverityMedium, TierP3, true},
		{signals.SeverityLow, "", false},
	}
	for _, tt := range tests {
		got, ok := TierFor(tt.sev)
		if got != tt.want || ok != tt.ok {
			t.Errorf("TierFor(%s) = %s, %v; want %s, %v", tt.sev, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseTier(t *testing.T) {
	if got, err := ParseTier("p2"); err != nil || got != TierP2 {
		t.Errorf("ParseTier(p2) = %s, %v", got, err)
	}
	if _, err := ParseTier("P9"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("ParseTier(P9) error = %v", err)
	}
}

func TestAssigneeAt(t *testing.T) {
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	members := []string{"alice", "bob", "carol"}
	shift := 2 * time.Hour

	tests := []struct {
		name      string
		at        time.Time
		want      string
		wantStart time.Time
	}{
		{"at epoch", epoch, "alice", epoch},
		{"inside first shift", epoch.Add(119 * time.Minute), "alice", epoch},
		{"shift boundary", epoch.Add(2 * time.Hour), "bob", epoch.Add(2 * time.Hour)},
		{"third shift", epoch.Add(5 * time.Hour), "carol", epoch.Add(4 * time.Hour)},
		{"wraps around", epoch.Add(6 * time.Hour), "alice", epoch.Add(6 * time.Hour)},
		{"before epoch", epoch.Add(-time.Minute), "carol", epoch.Add(-2 * time.Hour)},
		{"well before epoch", epoch.Add(-5 * time.Hour), "bob", epoch.Add(-6 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AssigneeAt(TierP1, members, epoch, shift, tt.at)
			if !ok {
				t.Fatal("AssigneeAt() returned no shift")
			}
			if got.Identity != tt.want || !got.Start.Equal(tt.wantStart) {
				t.Errorf("AssigneeAt() = %s from %s, want %s from %s", got.Identity, got.Start, tt.want, tt.wantStart)
			}
			if !got.Contains(tt.at) || got.End.Sub(got.Start) != shift {
				t.Errorf("shift %s-%s does not cover %s", got.Start, got.End, tt.at)
			}
		})
	}

	if _, ok := AssigneeAt(TierP1, nil, epoch, shift, epoch); ok {
		t.Error("empty roster resolved an assignee")
	}
}

func TestAssigneeAt_Deterministic(t *testing.T) {
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	members := []string{"a", "b"}
	at := epoch.Add(37*time.Hour + 13*time.Minute)
	first, _ := AssigneeAt(TierP2, members, epoch, time.Hour, at)
	for i := 0; i < 10; i++ {
		again, _ := AssigneeAt(TierP2, members, epoch, time.Hour, at)
		if again != first {
			t.Fatalf("AssigneeAt() changed between calls: %+v vs %+v", first, again)
		}
	}
	if first.Identity != "b" {
		t.Errorf("slot 37 of 2 members = %s, want b", first.Identity)
	}
}
