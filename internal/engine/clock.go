package engine

import (
	"math"
	"sync"
	"time"

	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/logger"
)

const (
	clockDriftResetMS = 30.0
	clockDriftWarnMS  = 15.0
	clockIdleSleep    = time.Millisecond
)

// ClockGenerator emits MIDI timing clock at 24 PPQ (six pulses per step)
// while the transport is playing. It keeps its own anchor so clock jitter
// never feeds back into step timing, and recovers from scheduler stalls by
// re-anchoring instead of bursting queued pulses.
type ClockGenerator struct {
	midi MidiOutput

	mu            sync.Mutex
	anchor        time.Time
	pulseCount    int64
	suppressReset bool
	resetCount    int64
	maxDriftMS    float64
}

// NewClockGenerator returns a clock emitting through midi.
func NewClockGenerator(midi MidiOutput) *ClockGenerator {
	return &ClockGenerator{midi: midi}
}

// NotifyBPMChange re-anchors the pulse grid at the new tempo. The next drift
// check is suppressed because the old anchor is meaningless under the new
// pulse duration.
func (c *ClockGenerator) NotifyBPMChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.anchor.IsZero() {
		c.anchor = time.Now()
		c.pulseCount = 0
		c.suppressReset = true
	}
}

// Stats returns the reset count and the largest drift observed, in ms.
func (c *ClockGenerator) Stats() (resets int64, maxDriftMS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetCount, c.maxDriftMS
}

// Run loops until done closes. state supplies the current tempo and whether
// the transport is playing; while stopped the clock idles and drops its
// anchor so the next play starts a fresh grid.
func (c *ClockGenerator) Run(done <-chan struct{}, state func() (bpm float64, playing bool)) {
	for {
		select {
		case <-done:
			return
		default:
		}

		bpm, playing := state()
		if !playing || bpm <= 0 {
			c.mu.Lock()
			c.anchor = time.Time{}
			c.pulseCount = 0
			c.mu.Unlock()
			if !sleepUntil(done, clockIdleSleep) {
				return
			}
			continue
		}

		pulse := ir.StepDuration(bpm) / ir.PulsesPerStep
		now := time.Now()

		c.mu.Lock()
		if c.anchor.IsZero() {
			c.anchor = now
			c.pulseCount = 0
		}
		target := c.anchor.Add(time.Duration(c.pulseCount) * pulse)
		driftMS := float64(now.Sub(target)) / float64(time.Millisecond)
		if math.Abs(driftMS) > c.maxDriftMS {
			c.maxDriftMS = math.Abs(driftMS)
		}

		if math.Abs(driftMS) > clockDriftResetMS {
			if c.suppressReset {
				c.suppressReset = false
				logger.Debug("clock re-anchored after tempo change", logger.Fields{
					"drift_ms": driftMS,
				})
			} else {
				c.resetCount++
				logger.Warn("MIDI clock drift exceeded threshold, re-anchoring", logger.Fields{
					"drift_ms": driftMS,
					"resets":   c.resetCount,
				})
			}
			c.anchor = now
			c.pulseCount = 1
			c.mu.Unlock()
			if !sleepUntil(done, pulse) {
				return
			}
			continue
		}
		if math.Abs(driftMS) > clockDriftWarnMS {
			logger.Debug("MIDI clock drift warning", logger.Fields{"drift_ms": driftMS})
		}

		c.pulseCount++
		next := c.anchor.Add(time.Duration(c.pulseCount) * pulse)
		c.mu.Unlock()

		c.midi.Clock()

		if !sleepUntil(done, time.Until(next)) {
			return
		}
	}
}

// sleepUntil waits d or until done closes. Returns false when done closed.
func sleepUntil(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
