package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingMidi struct {
	fakeMidi
	clocks atomic.Int64
}

func (m *countingMidi) Clock() error {
	m.clocks.Add(1)
	return nil
}

func TestClockEmitsPulsesWhilePlaying(t *testing.T) {
	midi := &countingMidi{fakeMidi: fakeMidi{up: true}}
	c := NewClockGenerator(midi)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(done, func() (float64, bool) { return 120, true })
	}()

	// One pulse roughly every 20.8ms at 120 BPM.
	time.Sleep(150 * time.Millisecond)
	close(done)
	wg.Wait()

	assert.GreaterOrEqual(t, midi.clocks.Load(), int64(3))
}

func TestClockIdleWhileStopped(t *testing.T) {
	midi := &countingMidi{fakeMidi: fakeMidi{up: true}}
	c := NewClockGenerator(midi)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(done, func() (float64, bool) { return 120, false })
	}()

	time.Sleep(50 * time.Millisecond)
	close(done)
	wg.Wait()

	assert.Zero(t, midi.clocks.Load())
}

func TestNotifyBPMChangeRequiresAnchor(t *testing.T) {
	c := NewClockGenerator(newFakeMidi())

	// Without an anchor there is no grid to re-anchor.
	c.NotifyBPMChange()
	assert.False(t, c.suppressReset)

	c.anchor = time.Now()
	c.NotifyBPMChange()
	assert.True(t, c.suppressReset)
	assert.Zero(t, c.pulseCount)
}

func TestClockStatsStartClean(t *testing.T) {
	c := NewClockGenerator(newFakeMidi())
	resets, maxDrift := c.Stats()
	assert.Zero(t, resets)
	assert.Zero(t, maxDrift)
}
