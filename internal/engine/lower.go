package engine

import (
	"sort"
	"time"

	"github.com/KengoTobita/oiduna/internal/ir"
)

// fxWireNames maps snake_case effect keys to the names SuperDirt expects.
// Keys without an entry pass through unchanged.
var fxWireNames = map[string]string{
	"delay_send":     "delaySend",
	"delay_time":     "delaytime",
	"delay_feedback": "delayfeedback",
	"delay_amp":      "delayAmp",
	"tremolo_rate":   "tremolorate",
	"tremolo_depth":  "tremolodepth",
	"phaser_rate":    "phaserrate",
	"phaser_depth":   "phaserdepth",
	"reverb_room":    "room",
	"reverb_size":    "size",
	"reverb_dry":     "dry",
	"leslie_rate":    "lrate",
	"leslie_size":    "lsize",
}

// spatialWireKeys are the wire names owned by the mixer line when the track
// belongs to one: track-level values for these are discarded.
var spatialWireKeys = []string{
	"room", "size", "dry",
	"delaySend", "delaytime", "delayfeedback", "delayAmp",
	"leslie", "lrate", "lsize",
}

// fxAliases lets modulation bases find prefixed spellings of spatial keys.
var fxAliases = map[string]string{
	"room": "reverb_room",
	"size": "reverb_size",
	"dry":  "reverb_dry",
}

func wireName(key string) string {
	if wire, ok := fxWireNames[key]; ok {
		return wire
	}
	return key
}

// timedMessage is a wire message plus its intra-step delay. Positive event
// offsets push emission past the step boundary; negative ones emit at the
// boundary because the step has already arrived.
type timedMessage struct {
	msg   ir.ScheduledMessage
	delay time.Duration
}

type midiNoteEvent struct {
	trackID    string
	channel    uint8
	note       uint8
	velocity   uint8
	durationMS int
	delay      time.Duration
}

type midiCCEvent struct {
	channel uint8
	cc      uint8
	value   uint8
}

type midiPitchBendEvent struct {
	channel uint8
	value   int16
}

type midiAftertouchEvent struct {
	channel uint8
	value   uint8
}

// loweredStep is everything one step emits, split by output kind.
type loweredStep struct {
	osc          []timedMessage
	notes        []midiNoteEvent
	ccs          []midiCCEvent
	pitchBends   []midiPitchBendEvent
	aftertouches []midiAftertouchEvent
}

// lowerStep flattens the session's events at the cursor into wire messages:
// audio events become destination messages with modulation, velocity, gate
// and mixer routing applied; MIDI tracks contribute notes plus their per-step
// CC, pitch-bend and aftertouch modulations. Tracks iterate in sorted order
// so output is deterministic.
func lowerStep(state *RuntimeState, destinationID string) loweredStep {
	session := state.Session()
	step := state.Position().Step
	bpm := state.BPM()
	cps := ir.CyclesPerSecond(bpm)
	cycle := ir.Cycle(step)

	var out loweredStep

	for _, trackID := range state.ActiveAudioTracks() {
		track := session.Tracks[trackID]
		events := session.EventsAt(trackID, step)
		if len(events) == 0 {
			continue
		}
		line := session.MixerLineFor(trackID)

		for _, event := range events {
			out.osc = append(out.osc, timedMessage{
				msg:   buildAudioMessage(track, event, step, cycle, cps, line, 1.0, destinationID),
				delay: eventDelay(event),
			})

			// Sends copy the event to other mixer lines at the send gain.
			for _, send := range track.Sends {
				target, ok := session.MixerLines[send.MixerLineID]
				if !ok {
					continue
				}
				if line != nil && target.Name == line.Name {
					continue
				}
				out.osc = append(out.osc, timedMessage{
					msg:   buildAudioMessage(track, event, step, cycle, cps, &target, send.Gain, destinationID),
					delay: eventDelay(event),
				})
			}
		}
	}

	for _, trackID := range state.ActiveMidiTracks() {
		track := session.TracksMidi[trackID]

		for _, event := range session.EventsAt(trackID, step) {
			if note, ok := buildMidiNote(track, event, cps); ok {
				out.notes = append(out.notes, note)
			}
		}

		for _, entry := range orderedCCModulations(track.CCModulations) {
			out.ccs = append(out.ccs, midiCCEvent{
				channel: track.Channel & 0x0F,
				cc:      entry.cc,
				value:   ir.CCFromSignal(entry.mod.Signal.At(step)),
			})
		}
		if track.PitchBend != nil {
			out.pitchBends = append(out.pitchBends, midiPitchBendEvent{
				channel: track.Channel & 0x0F,
				value:   ir.PitchBendFromSignal(track.PitchBend.Signal.At(step)),
			})
		}
		if track.Aftertouch != nil {
			out.aftertouches = append(out.aftertouches, midiAftertouchEvent{
				channel: track.Channel & 0x0F,
				value:   ir.AftertouchFromSignal(track.Aftertouch.Signal.At(step)),
			})
		}
	}

	return out
}

func eventDelay(event ir.Event) time.Duration {
	if event.OffsetMS > 0 {
		return time.Duration(event.OffsetMS * float64(time.Millisecond))
	}
	return 0
}

// buildAudioMessage assembles the wire parameters for one audio event.
// Precedence, lowest to highest: track fx, track_fx, mixer-line spatial fx,
// modulated values, synthdef extras, then the sound parameters themselves.
func buildAudioMessage(
	track ir.AudioTrack,
	event ir.Event,
	step int,
	cycle, cps float64,
	line *ir.MixerLine,
	gainMultiplier float64,
	destinationID string,
) ir.ScheduledMessage {
	modulated := applyTrackModulations(track, step)
	params := make(map[string]any, 16+len(track.FX)+len(track.TrackFX))

	for key, value := range track.FX {
		params[wireName(key)] = value
	}
	for key, value := range track.TrackFX {
		params[wireName(key)] = value
	}

	if line != nil {
		// The mixer line owns spatial placement for its tracks.
		for _, key := range spatialWireKeys {
			delete(params, key)
		}
		mergeLineSpatialFX(params, line.FX)
		params["mixer_line_id"] = line.Name
	}

	for name, value := range modulated {
		switch name {
		case "gain", "pan", "speed":
			// Folded into the sound parameters below.
		default:
			params[wireName(name)] = value
		}
	}

	for key, value := range track.Params.ExtraParams {
		params[key] = value
	}

	gain := track.Params.Gain
	if v, ok := modulated["gain"]; ok {
		gain = v
	}
	pan := track.Params.Pan
	if v, ok := modulated["pan"]; ok {
		pan = v
	}
	speed := track.Params.Speed
	if v, ok := modulated["speed"]; ok {
		speed = v
	}

	params["s"] = track.Params.S
	params["n"] = track.Params.N
	params["gain"] = gain * event.Velocity * gainMultiplier
	params["pan"] = pan
	params["speed"] = speed
	params["begin"] = track.Params.Begin
	params["end"] = track.Params.End
	if track.Params.Cut != nil {
		params["cut"] = *track.Params.Cut
	}
	if track.Params.Legato != nil {
		params["legato"] = *track.Params.Legato
	}
	if event.Note != nil {
		params["midinote"] = *event.Note
	}
	if cps > 0 && event.Gate > 0 {
		params["sustain"] = event.Gate / (cps * float64(ir.StepsPerBar))
	}

	return ir.ScheduledMessage{
		DestinationID: destinationID,
		Cycle:         cycle,
		Step:          step,
		Params:        params,
	}
}

// mergeLineSpatialFX copies the spatial subset of a mixer line's fx bundle.
// A positive leslie_rate switches the rotary effect on.
func mergeLineSpatialFX(params map[string]any, fx map[string]any) {
	for key, value := range fx {
		wire := wireName(key)
		switch wire {
		case "room", "size", "dry", "delaySend", "delaytime", "delayfeedback", "delayAmp":
			params[wire] = value
		}
	}
	if rate, ok := toFloat(fx["leslie_rate"]); ok && rate > 0 {
		params["leslie"] = 1.0
		params["lrate"] = rate
		if size, ok := toFloat(fx["leslie_size"]); ok {
			params["lsize"] = size
		}
	}
}

// applyTrackModulations resolves every modulation of an audio track at one
// step. Base values come from the track's fx bundle when present, otherwise
// from the parameter defaults; unknown target parameters are skipped.
func applyTrackModulations(track ir.AudioTrack, step int) map[string]float64 {
	if len(track.Modulations) == 0 {
		return nil
	}
	result := make(map[string]float64, len(track.Modulations))
	for key, mod := range track.Modulations {
		name := mod.TargetParam
		if name == "" {
			name = key
		}
		resolved := ir.ResolveParamName(name)
		spec, ok := ir.ParamSpecs[resolved]
		if !ok {
			continue
		}
		result[resolved] = ir.ApplyModulation(modulationBase(track, resolved, spec), mod.Signal.At(step), spec)
	}
	return result
}

func modulationBase(track ir.AudioTrack, name string, spec ir.ParamSpec) float64 {
	switch name {
	case "gain":
		return track.Params.Gain
	case "pan":
		return track.Params.Pan
	case "speed":
		return track.Params.Speed
	}
	if v, ok := toFloat(track.FX[name]); ok {
		return v
	}
	if alias, ok := fxAliases[name]; ok {
		if v, ok := toFloat(track.FX[alias]); ok {
			return v
		}
	}
	return spec.Default
}

func buildMidiNote(track ir.MidiTrack, event ir.Event, cps float64) (midiNoteEvent, bool) {
	if event.Note == nil {
		return midiNoteEvent{}, false
	}
	durationMS := 250
	if cps > 0 && event.Gate > 0 {
		durationMS = int(event.Gate / (cps * float64(ir.StepsPerBar)) * 1000)
	}
	return midiNoteEvent{
		trackID:    track.TrackID,
		channel:    track.Channel & 0x0F,
		note:       uint8(clampInt(*event.Note+track.Transpose, 0, 127)),
		velocity:   uint8(clampInt(int(event.Velocity*float64(track.Velocity)), 0, 127)),
		durationMS: durationMS,
		delay:      eventDelay(event),
	}, true
}

type ccModulation struct {
	cc  uint8
	mod ir.Modulation
}

// orderedCCModulations resolves modulation keys to controller numbers and
// returns them sorted by controller. Keys may be CC numbers or controller
// names ("74", "cutoff", "cc.cutoff"); unresolvable keys are skipped. When
// two keys resolve to the same controller, the lexically last key wins.
func orderedCCModulations(mods map[string]ir.Modulation) []ccModulation {
	if len(mods) == 0 {
		return nil
	}
	keys := make([]string, 0, len(mods))
	for key := range mods {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	resolved := make(map[uint8]ir.Modulation, len(mods))
	for _, key := range keys {
		cc, ok := ir.ResolveCCTarget(key)
		if !ok {
			continue
		}
		resolved[cc] = mods[key]
	}

	out := make([]ccModulation, 0, len(resolved))
	for cc, mod := range resolved {
		out = append(out, ccModulation{cc: cc, mod: mod})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cc < out[j].cc })
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
