// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package anomaly

import (
	"math"
	"time"

	"github.com/tomtom215/vigil/internal/signals"
)

// Baseline is the statistical profile of one source.
type Baseline struct {
	Source             string         `json:"source"`
	SampleCount        int64          `json:"sample_count"`
	ConfidenceMean     float64        `json:"confidence_mean"`
	ConfidenceVariance float64        `json:"confidence_variance"`
	RecentTypes        []signals.Type `json:"recent_types"`
	LastUpdated        time.Time      `json:"last_updated"`
	// Window holds the samples the mean and variance are computed over,
	// oldest first.
	Window []float64 `json:"window"`
}

// StdDev returns the population standard deviation of the window.
func (b Baseline) StdDev() float64 {
	return math.Sqrt(b.ConfidenceVariance)
}

// profile maintains windowed mean and variance with Welford's update and
// its inverse for samples leaving the window.
type profile struct {
	source      string
	sampleCount int64
	window      []float64
	start       int
	n           int
	mean        float64
	m2          float64
	types       []signals.Type
	maxTypes    int
	lastUpdated time.Time
}

func newProfile(source string, windowSize, maxTypes int) *profile {
	return &profile{
		source:   source,
		window:   make([]float64, windowSize),
		maxTypes: maxTypes,
	}
}

// add pushes x into the window, evicting the oldest sample when full.
func (p *profile) add(x float64) {
	p.sampleCount++
	if p.n == len(p.window) {
		p.remove(p.window[p.start])
		p.window[p.start] = x
		p.start = (p.start + 1) % len(p.window)
	} else {
		p.window[(p.start+p.n)%len(p.window)] = x
	}
	p.n++
	delta := x - p.mean
	p.mean += delta / float64(p.n)
	p.m2 += delta * (x - p.mean)
	if p.m2 < 0 {
		p.m2 = 0
	}
	// the incremental inverse drifts; resync once per full rotation
	if p.n == len(p.window) && p.start == 0 {
		p.recompute()
	}
}

// recompute derives mean and m2 from the window directly.
func (p *profile) recompute() {
	var sum float64
	for _, x := range p.samples() {
		sum += x
	}
	p.mean = sum / float64(p.n)
	p.m2 = 0
	for _, x := range p.samples() {
		d := x - p.mean
		p.m2 += d * d
	}
}

// remove reverses a Welford step. The caller fixes up the ring slot.
func (p *profile) remove(y float64) {
	if p.n <= 1 {
		p.n = 0
		p.mean = 0
		p.m2 = 0
		return
	}
	p.n--
	delta := y - p.mean
	p.mean -= delta / float64(p.n)
	p.m2 -= delta * (y - p.mean)
	if p.m2 < 0 {
		p.m2 = 0
	}
}

func (p *profile) variance() float64 {
	if p.n == 0 {
		return 0
	}
	return p.m2 / float64(p.n)
}

func (p *profile) seen(t signals.Type) bool {
	for _, known := range p.types {
		if known == t {
			return true
		}
	}
	return false
}

// observeType records t as most recently seen, evicting the stalest type
// once the set is full.
func (p *profile) observeType(t signals.Type) {
	for i, known := range p.types {
		if known == t {
			copy(p.types[i:], p.types[i+1:])
			p.types[len(p.types)-1] = t
			return
		}
	}
	if len(p.types) >= p.maxTypes {
		p.types = append(p.types[:0], p.types[1:]...)
	}
	p.types = append(p.types, t)
}

func (p *profile) samples() []float64 {
	out := make([]float64, 0, p.n)
	for i := 0; i < p.n; i++ {
		out = append(out, p.window[(p.start+i)%len(p.window)])
	}
	return out
}

func (p *profile) snapshot() Baseline {
	types := make([]signals.Type, len(p.types))
	copy(types, p.types)
	return Baseline{
		Source:             p.source,
		SampleCount:        p.sampleCount,
		ConfidenceMean:     p.mean,
		ConfidenceVariance: p.variance(),
		RecentTypes:        types,
		LastUpdated:        p.lastUpdated,
		Window:             p.samples(),
	}
}

// profileFromBaseline rebuilds a profile by replaying the persisted window,
// so the restored statistics match what was saved.
func profileFromBaseline(b Baseline, windowSize, maxTypes int) *profile {
	p := newProfile(b.Source, windowSize, maxTypes)
	samples := b.Window
	if len(samples) > windowSize {
		samples = samples[len(samples)-windowSize:]
	}
	for _, x := range samples {
		p.add(x)
	}
	p.sampleCount = b.SampleCount
	if p.sampleCount < int64(p.n) {
		p.sampleCount = int64(p.n)
	}
	for _, t := range b.RecentTypes {
		p.observeType(t)
	}
	p.lastUpdated = b.LastUpdated
	return p
}
