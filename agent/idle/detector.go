// Package idle tracks consecutive GPU idle time from utilization samples.
package idle

import (
	"sync"
	"time"
)

// DefaultThresholdPct is the utilization percentage below which the GPU
// counts as idle.
const DefaultThresholdPct = 5.0

// Detector accumulates idle time across utilization samples. Safe for
// concurrent use.
type Detector struct {
	mu           sync.Mutex
	thresholdPct float64
	idle         time.Duration
	lastSample   time.Time
	now          func() time.Time
}

// Option configures the detector
type Option func(*Detector)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// NewDetector creates an idle detector. A thresholdPct <= 0 falls back
// to DefaultThresholdPct.
func NewDetector(thresholdPct float64, opts ...Option) *Detector {
	if thresholdPct <= 0 {
		thresholdPct = DefaultThresholdPct
	}
	d := &Detector{
		thresholdPct: thresholdPct,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.lastSample = d.now()
	return d
}

// RecordSample folds one utilization reading into the idle clock. Below
// the threshold the elapsed time since the previous sample counts as
// idle; at or above it the idle clock resets.
func (d *Detector) RecordSample(utilizationPct float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if utilizationPct < d.thresholdPct {
		d.idle += now.Sub(d.lastSample)
	} else {
		d.idle = 0
	}
	d.lastSample = now
}

// IdleFor returns the consecutive idle duration
func (d *Detector) IdleFor() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

// IdleSeconds returns the consecutive idle duration in whole seconds
func (d *Detector) IdleSeconds() int {
	return int(d.IdleFor().Seconds())
}

// ExceededTimeout reports whether the GPU has been idle for at least
// timeout. A zero timeout never triggers.
func (d *Detector) ExceededTimeout(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return d.IdleFor() >= timeout
}

// Reset zeroes the idle clock, e.g. after a wake
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idle = 0
	d.lastSample = d.now()
}
