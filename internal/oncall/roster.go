// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package oncall

import (
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/vigil/internal/signals"
)

// Tier is an escalation priority bucket. P1 is the most urgent.
type Tier string

const (
	TierP1 Tier = "P1"
	TierP2 Tier = "P2"
	TierP3 Tier = "P3"
	TierP4 Tier = "P4"
)

// Tiers returns every tier, most urgent first.
func Tiers() []Tier {
	return []Tier{TierP1, TierP2, TierP3, TierP4}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierP1, TierP2, TierP3, TierP4:
		return true
	}
	return false
}

// ParseTier accepts "P1" or "p1".
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if len(s) == 2 && s[0] == 'p' {
		t = Tier("P" + s[1:])
	}
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// moreUrgent returns the next more urgent tier, or false for P1.
func (t Tier) moreUrgent() (Tier, bool) {
	switch t {
	case TierP4:
		return TierP3, true
	case TierP3:
		return TierP2, true
	case TierP2:
		return TierP1, true
	}
	return "", false
}

// TierFor maps a signal severity to a tier. Low severity never escalates.
func TierFor(sev signals.Severity) (Tier, bool) {
	switch sev {
	case signals.SeverityCritical:
		return TierP1, true
	case signals.SeverityHigh:
		return TierP2, true
	case signals.SeverityMedium:
		return TierP3, true
	}
	return "", false
}

var (
	// ErrUnknownTier is returned for tier names outside P1-P4.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrNoOnCall is returned when neither the tier nor any more urgent
	// tier has members.
	ErrNoOnCall = errors.New("no on-call member")

	// ErrDuplicateMember is returned by AddMember for an identity already in
	// the tier.
	ErrDuplicateMember = errors.New("member already in tier")

	// ErrMemberNotFound is returned by RemoveMember.
	ErrMemberNotFound = errors.New("member not in tier")

	// ErrNotFound is returned for unknown escalation record IDs.
	ErrNotFound = errors.New("escalation record not found")
)

// Shift is one assignee's window of responsibility, [Start, End).
type Shift struct {
	Identity string    `json:"identity"`
	Tier     Tier      `json:"tier"`
	Start    time.Time `json:"shift_start"`
	End      time.Time `json:"shift_end"`
}

// Contains reports whether t falls inside the shift.
func (s Shift) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// AssigneeAt resolves who is on call at t. Shifts of fixed length start at
// epoch and walk the members in order, wrapping around; times before the
// epoch wrap backwards. The result depends only on its arguments.
func AssigneeAt(tier Tier, members []string, epoch time.Time, length time.Duration, t time.Time) (Shift, bool) {
	if len(members) == 0 || length <= 0 {
		return Shift{}, false
	}
	elapsed := t.Sub(epoch)
	slot := int64(elapsed / length)
	if elapsed%length < 0 {
		slot--
	}
	idx := slot % int64(len(members))
	if idx < 0 {
		idx += int64(len(members))
	}
	start := epoch.Add(time.Duration(slot) * length)
	return Shift{
		Identity: members[idx],
		Tier:     tier,
		Start:    start,
		End:      start.Add(length),
	}, true
}

// tierRoster is the persisted form of one tier's rotation.
type tierRoster struct {
	Tier    Tier     `json:"tier"`
	Members []string `json:"members"`
}
