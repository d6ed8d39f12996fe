package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KengoTobita/oiduna/internal/ir"
)

func lowerSession(s *ir.Session) loweredStep {
	r := NewRuntimeState()
	r.ReplaceSession(s)
	return lowerStep(r, "superdirt")
}

func TestLowerStepBasicAudioEvent(t *testing.T) {
	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		Tracks: map[string]ir.AudioTrack{
			"bd": {
				Meta:   ir.TrackMeta{TrackID: "bd"},
				Params: ir.TrackParams{S: "bd", N: 3, Gain: 1.2, Pan: 0.4, Speed: 1.0, End: 1.0},
			},
		},
		Sequences: map[string]ir.EventSequence{
			"bd": ir.NewEventSequence("bd", []ir.Event{{Step: 0, Velocity: 0.8, Gate: 1.0}}),
		},
	}

	out := lowerSession(session)
	require.Len(t, out.osc, 1)
	msg := out.osc[0].msg

	assert.Equal(t, "superdirt", msg.DestinationID)
	assert.Equal(t, 0, msg.Step)
	assert.Zero(t, msg.Cycle)
	assert.Equal(t, "bd", msg.Params["s"])
	assert.Equal(t, 3, msg.Params["n"])
	assert.InDelta(t, 0.96, msg.Params["gain"].(float64), 1e-9)
	assert.Equal(t, 0.4, msg.Params["pan"])
	// gate 1.0 at 120 BPM: one step of sustain.
	assert.InDelta(t, 0.125, msg.Params["sustain"].(float64), 1e-9)
	assert.NotContains(t, msg.Params, "midinote")
	assert.Zero(t, out.osc[0].delay)
}

func TestLowerStepSkipsSilentSteps(t *testing.T) {
	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		Tracks: map[string]ir.AudioTrack{
			"bd": {
				Meta:   ir.TrackMeta{TrackID: "bd"},
				Params: ir.TrackParams{S: "bd", Gain: 1, Pan: 0.5, Speed: 1, End: 1},
			},
		},
		Sequences: map[string]ir.EventSequence{
			"bd": ir.NewEventSequence("bd", []ir.Event{{Step: 5, Velocity: 1, Gate: 1}}),
		},
	}
	out := lowerSession(session)
	assert.Empty(t, out.osc)
}

func TestLowerStepMutedTrackSkipped(t *testing.T) {
	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		Tracks: map[string]ir.AudioTrack{
			"bd": {
				Meta:   ir.TrackMeta{TrackID: "bd", Mute: true},
				Params: ir.TrackParams{S: "bd", Gain: 1, Pan: 0.5, Speed: 1, End: 1},
			},
		},
		Sequences: map[string]ir.EventSequence{
			"bd": ir.NewEventSequence("bd", []ir.Event{{Step: 0, Velocity: 1, Gate: 1}}),
		},
	}
	out := lowerSession(session)
	assert.Empty(t, out.osc)
}

func TestLowerStepModulationOverridesFx(t *testing.T) {
	signal := make([]float64, ir.LoopSteps)
	signal[0] = 1.0
	buf, err := ir.NewStepBuffer(signal)
	require.NoError(t, err)

	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		Tracks: map[string]ir.AudioTrack{
			"lead": {
				Meta:   ir.TrackMeta{TrackID: "lead"},
				Params: ir.TrackParams{S: "lead", Gain: 1, Pan: 0.5, Speed: 1, End: 1},
				FX:     map[string]any{"cutoff": 500.0},
				Modulations: map[string]ir.Modulation{
					"filter.cutoff": {TargetParam: "filter.cutoff", Signal: buf},
				},
			},
		},
		Sequences: map[string]ir.EventSequence{
			"lead": ir.NewEventSequence("lead", []ir.Event{{Step: 0, Velocity: 1, Gate: 1}}),
		},
	}

	out := lowerSession(session)
	require.Len(t, out.osc, 1)
	// Multiplicative: 500 * (1 + 1.0) = 1000.
	assert.InDelta(t, 1000.0, out.osc[0].msg.Params["cutoff"].(float64), 1e-9)
}

func TestLowerStepFxWireRenames(t *testing.T) {
	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		Tracks: map[string]ir.AudioTrack{
			"pad": {
				Meta:    ir.TrackMeta{TrackID: "pad"},
				Params:  ir.TrackParams{S: "pad", Gain: 1, Pan: 0.5, Speed: 1, End: 1},
				FX:      map[string]any{"delay_send": 0.3, "reverb_room": 0.6},
				TrackFX: map[string]any{"tremolo_rate": 4.0, "shape": 0.2},
			},
		},
		Sequences: map[string]ir.EventSequence{
			"pad": ir.NewEventSequence("pad", []ir.Event{{Step: 0, Velocity: 1, Gate: 1}}),
		},
	}

	out := lowerSession(session)
	require.Len(t, out.osc, 1)
	params := out.osc[0].msg.Params

	assert.Equal(t, 0.3, params["delaySend"])
	assert.Equal(t, 0.6, params["room"])
	assert.Equal(t, 4.0, params["tremolorate"])
	assert.Equal(t, 0.2, params["shape"])
	assert.NotContains(t, params, "delay_send")
	assert.NotContains(t, params, "tremolo_rate")
}

func TestLowerStepMixerLineOwnsSpatialFx(t *testing.T) {
	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		Tracks: map[string]ir.AudioTrack{
			"keys": {
				Meta:   ir.TrackMeta{TrackID: "keys"},
				Params: ir.TrackParams{S: "keys", Gain: 1, Pan: 0.5, Speed: 1, End: 1},
				FX:     map[string]any{"room": 0.2},
			},
		},
		MixerLines: map[string]ir.MixerLine{
			"space": {
				Name:    "space",
				Include: []string{"keys"},
				Volume:  1,
				Pan:     0.5,
				FX:      map[string]any{"room": 0.9, "leslie_rate": 2.0, "leslie_size": 0.4},
			},
		},
		Sequences: map[string]ir.EventSequence{
			"keys": ir.NewEventSequence("keys", []ir.Event{{Step: 0, Velocity: 1, Gate: 1}}),
		},
	}

	out := lowerSession(session)
	require.Len(t, out.osc, 1)
	params := out.osc[0].msg.Params

	assert.Equal(t, 0.9, params["room"])
	assert.Equal(t, "space", params["mixer_line_id"])
	assert.Equal(t, 1.0, params["leslie"])
	assert.Equal(t, 2.0, params["lrate"])
	assert.Equal(t, 0.4, params["lsize"])
}

func TestLowerStepSendsCopyToOtherLines(t *testing.T) {
	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		Tracks: map[string]ir.AudioTrack{
			"vox": {
				Meta:   ir.TrackMeta{TrackID: "vox"},
				Params: ir.TrackParams{S: "vox", Gain: 1.0, Pan: 0.5, Speed: 1, End: 1},
				Sends: []ir.Send{
					{MixerLineID: "space", Gain: 0.5, Pan: 0.5},
					{MixerLineID: "main", Gain: 0.8, Pan: 0.5},
				},
			},
		},
		MixerLines: map[string]ir.MixerLine{
			"main":  {Name: "main", Include: []string{"vox"}, Volume: 1, Pan: 0.5},
			"space": {Name: "space", Volume: 1, Pan: 0.5},
		},
		Sequences: map[string]ir.EventSequence{
			"vox": ir.NewEventSequence("vox", []ir.Event{{Step: 0, Velocity: 1, Gate: 1}}),
		},
	}

	out := lowerSession(session)
	// Main message plus the send to "space"; the send back to the
	// containing line is skipped.
	require.Len(t, out.osc, 2)

	main := out.osc[0].msg.Params
	send := out.osc[1].msg.Params
	assert.Equal(t, "main", main["mixer_line_id"])
	assert.InDelta(t, 1.0, main["gain"].(float64), 1e-9)
	assert.Equal(t, "space", send["mixer_line_id"])
	assert.InDelta(t, 0.5, send["gain"].(float64), 1e-9)
}

func TestLowerStepMidiNoteAndModulations(t *testing.T) {
	signal := make([]float64, ir.LoopSteps)
	signal[0] = 1.0
	full, err := ir.NewStepBuffer(signal)
	require.NoError(t, err)
	negative := make([]float64, ir.LoopSteps)
	negative[0] = -1.0
	neg, err := ir.NewStepBuffer(negative)
	require.NoError(t, err)

	note := 60
	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		TracksMidi: map[string]ir.MidiTrack{
			"bass": {
				TrackID:   "bass",
				Channel:   2,
				Velocity:  100,
				Transpose: 12,
				CCModulations: map[string]ir.Modulation{
					"74": {Signal: full},
					"71": {Signal: neg},
				},
				PitchBend:  &ir.Modulation{Signal: full},
				Aftertouch: &ir.Modulation{Signal: neg},
			},
		},
		Sequences: map[string]ir.EventSequence{
			"bass": ir.NewEventSequence("bass", []ir.Event{{Step: 0, Velocity: 0.5, Note: &note, Gate: 2.0}}),
		},
	}

	out := lowerSession(session)

	require.Len(t, out.notes, 1)
	n := out.notes[0]
	assert.Equal(t, uint8(2), n.channel)
	assert.Equal(t, uint8(72), n.note)
	assert.Equal(t, uint8(50), n.velocity)
	// gate 2.0 at 120 BPM: two steps of 125ms.
	assert.Equal(t, 250, n.durationMS)

	require.Len(t, out.ccs, 2)
	// CC numbers emit in ascending order.
	assert.Equal(t, uint8(71), out.ccs[0].cc)
	assert.Equal(t, uint8(0), out.ccs[0].value)
	assert.Equal(t, uint8(74), out.ccs[1].cc)
	assert.Equal(t, uint8(127), out.ccs[1].value)

	require.Len(t, out.pitchBends, 1)
	assert.Equal(t, int16(8191), out.pitchBends[0].value)

	require.Len(t, out.aftertouches, 1)
	assert.Equal(t, uint8(0), out.aftertouches[0].value)
}

func TestLowerStepNamedCCTargets(t *testing.T) {
	full := ir.FillBuffer(1.0)
	neg := ir.FillBuffer(-1.0)

	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		TracksMidi: map[string]ir.MidiTrack{
			"lead": {
				TrackID:  "lead",
				Channel:  1,
				Velocity: 127,
				CCModulations: map[string]ir.Modulation{
					"74":           {Signal: full},
					"cutoff":       {Signal: neg},
					"cc.resonance": {Signal: full},
					"wobble":       {Signal: full},
				},
			},
		},
	}

	out := lowerSession(session)

	// "wobble" resolves to nothing. "74" and "cutoff" name the same
	// controller; the lexically last key wins.
	require.Len(t, out.ccs, 2)
	assert.Equal(t, uint8(71), out.ccs[0].cc)
	assert.Equal(t, uint8(127), out.ccs[0].value)
	assert.Equal(t, uint8(74), out.ccs[1].cc)
	assert.Equal(t, uint8(0), out.ccs[1].value)
}

func TestLowerStepMidiNoteClamped(t *testing.T) {
	note := 120
	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		TracksMidi: map[string]ir.MidiTrack{
			"high": {TrackID: "high", Channel: 0, Velocity: 127, Transpose: 24},
		},
		Sequences: map[string]ir.EventSequence{
			"high": ir.NewEventSequence("high", []ir.Event{{Step: 0, Velocity: 1.0, Note: &note, Gate: 1}}),
		},
	}

	out := lowerSession(session)
	require.Len(t, out.notes, 1)
	assert.Equal(t, uint8(127), out.notes[0].note)
}

func TestLowerStepPositiveOffsetDefersEmission(t *testing.T) {
	session := &ir.Session{
		Environment: ir.DefaultEnvironment(),
		Tracks: map[string]ir.AudioTrack{
			"bd": {
				Meta:   ir.TrackMeta{TrackID: "bd"},
				Params: ir.TrackParams{S: "bd", Gain: 1, Pan: 0.5, Speed: 1, End: 1},
			},
		},
		Sequences: map[string]ir.EventSequence{
			"bd": ir.NewEventSequence("bd", []ir.Event{
				{Step: 0, Velocity: 1, Gate: 1, OffsetMS: 30},
				{Step: 0, Velocity: 1, Gate: 1, OffsetMS: -10},
			}),
		},
	}

	out := lowerSession(session)
	require.Len(t, out.osc, 2)
	assert.Equal(t, 30*time.Millisecond, out.osc[0].delay)
	// Negative offsets emit at the step boundary.
	assert.Zero(t, out.osc[1].delay)
}

func TestTrackModulationUnknownParamSkipped(t *testing.T) {
	buf := ir.FillBuffer(1.0)
	track := ir.AudioTrack{
		Meta:   ir.TrackMeta{TrackID: "x"},
		Params: ir.TrackParams{Gain: 1, Pan: 0.5, Speed: 1, End: 1},
		Modulations: map[string]ir.Modulation{
			"wobble": {Signal: buf},
			"gain":   {Signal: buf},
		},
	}
	modulated := applyTrackModulations(track, 0)
	assert.NotContains(t, modulated, "wobble")
	// Multiplicative gain: 1 * (1 + 1) = 2, clamped ceiling is 2.
	assert.InDelta(t, 2.0, modulated["gain"], 1e-9)
}
