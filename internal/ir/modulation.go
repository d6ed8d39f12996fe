package ir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StepBuffer is a resolved modulation signal: exactly one value per loop
// step, each in [-1, +1]. Clients deliver signals fully resolved; the core
// never evaluates waveforms.
type StepBuffer []float64

// NewStepBuffer validates the length and returns a buffer.
func NewStepBuffer(values []float64) (StepBuffer, error) {
	if len(values) != LoopSteps {
		return nil, fmt.Errorf("signal requires exactly %d values, got %d", LoopSteps, len(values))
	}
	buf := make(StepBuffer, LoopSteps)
	copy(buf, values)
	return buf, nil
}

// FillBuffer returns a buffer with every step set to value.
func FillBuffer(value float64) StepBuffer {
	buf := make(StepBuffer, LoopSteps)
	for i := range buf {
		buf[i] = value
	}
	return buf
}

// At returns the signal value at step, wrapping out-of-range steps.
func (b StepBuffer) At(step int) float64 {
	if len(b) == 0 {
		return 0
	}
	return b[((step%LoopSteps)+LoopSteps)%LoopSteps]
}

func (b *StepBuffer) UnmarshalJSON(data []byte) error {
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	buf, err := NewStepBuffer(values)
	if err != nil {
		return err
	}
	*b = buf
	return nil
}

// Modulation connects a resolved signal to a target parameter.
type Modulation struct {
	TargetParam string     `json:"target_param"`
	Signal      StepBuffer `json:"signal"`
}

// ModulationType determines how a signal value is applied to a base value.
type ModulationType int

const (
	// Additive: base + signal * (max - min).
	Additive ModulationType = iota
	// Multiplicative: base * (1 + signal).
	Multiplicative
	// Bipolar: base + signal * (max - min) / 2.
	Bipolar
)

// ParamSpec defines the valid range and modulation arithmetic for a
// modulatable sound parameter.
type ParamSpec struct {
	Name    string
	Min     float64
	Max     float64
	Default float64
	ModType ModulationType
}

// ParamSpecs lists every parameter the core knows how to modulate. Unknown
// parameter names are skipped at lowering time.
var ParamSpecs = map[string]ParamSpec{
	// Sound params
	"gain":  {"gain", 0.0, 2.0, 1.0, Multiplicative},
	"pan":   {"pan", 0.0, 1.0, 0.5, Bipolar},
	"speed": {"speed", 0.1, 4.0, 1.0, Multiplicative},
	// Filter
	"cutoff":     {"cutoff", 20.0, 20000.0, 1000.0, Multiplicative},
	"resonance":  {"resonance", 0.0, 1.0, 0.0, Additive},
	"hcutoff":    {"hcutoff", 20.0, 20000.0, 5000.0, Multiplicative},
	"hresonance": {"hresonance", 0.0, 1.0, 0.0, Additive},
	// Reverb
	"room": {"room", 0.0, 1.0, 0.0, Additive},
	"size": {"size", 0.0, 1.0, 0.5, Additive},
	"dry":  {"dry", 0.0, 1.0, 1.0, Additive},
	// Delay
	"delay_send":     {"delay_send", 0.0, 1.0, 0.0, Additive},
	"delay_time":     {"delay_time", 0.0, 2.0, 0.0, Additive},
	"delay_feedback": {"delay_feedback", 0.0, 1.0, 0.0, Additive},
	// Distortion
	"shape": {"shape", 0.0, 1.0, 0.0, Additive},
	"crush": {"crush", 1.0, 16.0, 16.0, Additive},
	// Envelope
	"attack":  {"attack", 0.0, 2.0, 0.001, Additive},
	"hold":    {"hold", 0.0, 2.0, 0.0, Additive},
	"release": {"release", 0.0, 2.0, 0.2, Additive},
}

// modulationPaths maps hierarchical parameter names from the client to the
// flat names used on the wire.
var modulationPaths = map[string]string{
	"filter.cutoff":     "cutoff",
	"filter.resonance":  "resonance",
	"filter.hcutoff":    "hcutoff",
	"filter.hresonance": "hresonance",
	"reverb.room":       "room",
	"reverb.size":       "size",
	"reverb.dry":        "dry",
	"delay.send":        "delay_send",
	"delay.time":        "delay_time",
	"delay.feedback":    "delay_feedback",
	"distortion.shape":  "shape",
	"distortion.crush":  "crush",
	"envelope.attack":   "attack",
	"envelope.hold":     "hold",
	"envelope.release":  "release",
}

// ResolveParamName resolves a hierarchical name like "filter.cutoff" to the
// flat parameter name. Flat names pass through unchanged.
func ResolveParamName(name string) string {
	if resolved, ok := modulationPaths[name]; ok {
		return resolved
	}
	return name
}

// ccAliases maps controller names to standard MIDI CC numbers.
var ccAliases = map[string]uint8{
	// Expression controllers
	"modwheel":        1,
	"mod":             1,
	"breath":          2,
	"foot":            4,
	"portamento_time": 5,
	"volume":          7,
	"balance":         8,
	"pan":             10,
	"expression":      11,
	// Bank select
	"bank_msb": 0,
	"bank_lsb": 32,
	// Effects depth (General MIDI)
	"fx1_depth": 91,
	"fx2_depth": 92,
	"fx3_depth": 93,
	"fx4_depth": 94,
	"fx5_depth": 95,
	// Sound controllers
	"resonance":     71,
	"release":       72,
	"attack":        73,
	"cutoff":        74,
	"brightness":    74,
	"decay":         75,
	"vibrato_rate":  76,
	"vibrato_depth": 77,
	"vibrato_delay": 78,
	// Switches
	"sustain":    64,
	"hold":       64,
	"portamento": 65,
	"sostenuto":  66,
	"soft":       67,
	"legato":     68,
	"hold2":      69,
}

// ResolveCCTarget resolves a controller target to its CC number. Accepts
// "cc.74", "cc.cutoff", a bare name like "cutoff" (case-insensitive), or a
// bare number. Unknown names and out-of-range numbers report false.
func ResolveCCTarget(target string) (uint8, bool) {
	target = strings.TrimPrefix(target, "cc.")
	if n, err := strconv.Atoi(target); err == nil {
		if n < 0 || n > 127 {
			return 0, false
		}
		return uint8(n), true
	}
	cc, ok := ccAliases[strings.ToLower(target)]
	return cc, ok
}

// ApplyModulation applies a signal value to a base value using the
// parameter's modulation arithmetic, clamped to the parameter's range.
func ApplyModulation(base, signal float64, spec ParamSpec) float64 {
	var result float64
	switch spec.ModType {
	case Additive:
		result = base + signal*(spec.Max-spec.Min)
	case Multiplicative:
		result = base * (1.0 + signal)
	case Bipolar:
		result = base + signal*(spec.Max-spec.Min)/2.0
	}
	if result < spec.Min {
		return spec.Min
	}
	if result > spec.Max {
		return spec.Max
	}
	return result
}

// CCFromSignal converts a signal value in [-1, +1] to a MIDI CC value 0..127.
func CCFromSignal(signal float64) uint8 {
	value := int((signal + 1.0) / 2.0 * 127)
	if value < 0 {
		value = 0
	}
	if value > 127 {
		value = 127
	}
	return uint8(value)
}

// PitchBendFromSignal converts a signal value in [-1, +1] to a pitch bend
// value -8192..8191.
func PitchBendFromSignal(signal float64) int16 {
	value := int(signal * 8191)
	if value < -8192 {
		value = -8192
	}
	if value > 8191 {
		value = 8191
	}
	return int16(value)
}

// AftertouchFromSignal converts a signal value in [-1, +1] to a channel
// pressure value 0..127.
func AftertouchFromSignal(signal float64) uint8 {
	return CCFromSignal(signal)
}
