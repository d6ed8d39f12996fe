// Package ir holds the immutable session data model: environment, tracks,
// sequences, mixer lines, scenes, and the flat scheduled-message batch form.
// Values are replaced, never mutated; every update produces a new value.
package ir

import "time"

const (
	// LoopSteps is the fixed loop length. One loop = 16 bars of 16th notes.
	LoopSteps = 256

	// StepsPerBeat is the number of 16th-note steps per quarter note.
	StepsPerBeat = 4

	// StepsPerBar is the number of steps per 4/4 bar (one cycle).
	StepsPerBar = 16

	// PulsesPerStep is the number of MIDI clock pulses per step (24 PPQ).
	PulsesPerStep = 6
)

// StepDuration returns the wall-clock length of one step at the given BPM.
// bpm must be > 0.
func StepDuration(bpm float64) time.Duration {
	return time.Duration(60.0 / bpm / float64(StepsPerBeat) * float64(time.Second))
}

// CyclesPerSecond returns the cycle rate (bars per second) at the given BPM.
func CyclesPerSecond(bpm float64) float64 {
	return bpm / 60.0 / float64(StepsPerBeat)
}

// Cycle returns the floating-point bar position of a step.
func Cycle(step int) float64 {
	return float64(step) / float64(StepsPerBar)
}
