// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package anomaly

import (
	"sort"
	"time"

	"github.com/tomtom215/vigil/internal/signals"
)

// Anomaly is one emitted anomaly as seen in history.
type Anomaly struct {
	AnomalyID  string    `json:"anomaly_id"`
	SignalID   string    `json:"signal_id"`
	Source     string    `json:"source"`
	Score      float64   `json:"score"`
	Methods    []string  `json:"methods"`
	DetectedAt time.Time `json:"detected_at"`
}

// Report summarizes anomalies over a window.
type Report struct {
	Since     time.Time      `json:"since"`
	Until     time.Time      `json:"until"`
	Total     int            `json:"total"`
	MeanScore float64        `json:"mean_score"`
	BySource  map[string]int `json:"by_source"`
	ByMethod  map[string]int `json:"by_method"`
	Anomalies []Anomaly      `json:"anomalies"`
}

// Report lists anomalies emitted within window, newest first. An empty
// sources list includes every source.
func (d *Detector) Report(window time.Duration, sources []string) Report {
	now := d.now().UTC()
	since := now.Add(-window)
	history := d.bus.History(signals.Filter{
		Types:   []signals.Type{signals.TypeAnomalyDetected},
		Sources: sources,
		Since:   since,
	})

	r := Report{
		Since:     since,
		Until:     now,
		BySource:  make(map[string]int),
		ByMethod:  make(map[string]int),
		Anomalies: make([]Anomaly, 0, len(history)),
	}
	var total float64
	for _, sig := range history {
		score, _ := sig.PayloadFloat("anomaly_score")
		a := Anomaly{
			AnomalyID:  sig.ID,
			SignalID:   sig.PayloadString("signal_id"),
			Source:     sig.Source,
			Score:      score,
			Methods:    payloadStrings(sig.Payload["methods"]),
			DetectedAt: sig.CreatedAt,
		}
		r.Anomalies = append(r.Anomalies, a)
		r.BySource[a.Source]++
		for _, m := range a.Methods {
			r.ByMethod[m]++
		}
		total += score
	}
	r.Total = len(r.Anomalies)
	if r.Total > 0 {
		r.MeanScore = total / float64(r.Total)
	}
	sort.SliceStable(r.Anomalies, func(i, j int) bool {
		return r.Anomalies[i].DetectedAt.After(r.Anomalies[j].DetectedAt)
	})
	return r
}

// payloadStrings accepts both the in-memory []string and the []any produced
// by decoding a persisted payload.
func payloadStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		out := make([]string, len(vals))
		copy(out, vals)
		return out
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
