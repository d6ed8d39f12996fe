package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/KengoTobita/oiduna/internal/ir"
)

// PlaybackState names the transport state.
type PlaybackState string

const (
	StateStopped PlaybackState = "stopped"
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
)

const (
	minBPM = 1.0
	maxBPM = 999.0
)

// Position is the musical read of the loop cursor.
type Position struct {
	Step int `json:"step"`
	Beat int `json:"beat"`
	Bar  int `json:"bar"`
}

func positionAt(step int) Position {
	return Position{
		Step: step,
		Beat: (step / ir.StepsPerBeat) % (ir.StepsPerBar / ir.StepsPerBeat),
		Bar:  step / ir.StepsPerBar,
	}
}

// EnvironmentPatch is a partial environment update. Nil fields are left
// untouched.
type EnvironmentPatch struct {
	BPM         *float64 `json:"bpm,omitempty"`
	Swing       *float64 `json:"swing,omitempty"`
	DefaultGate *float64 `json:"default_gate,omitempty"`
}

// TrackPatch is a partial track update. Audio tracks merge params into their
// typed fields (unknown keys land in extra_params) and merge the fx bundles
// by key. MIDI tracks accept channel, velocity and transpose through params.
type TrackPatch struct {
	Params  map[string]any `json:"params,omitempty"`
	FX      map[string]any `json:"fx,omitempty"`
	TrackFX map[string]any `json:"track_fx,omitempty"`
}

// StatusSnapshot is the transport status as served and streamed.
type StatusSnapshot struct {
	Playing       bool          `json:"playing"`
	PlaybackState PlaybackState `json:"playback_state"`
	BPM           float64       `json:"bpm"`
	Position      Position      `json:"position"`
	ActiveTracks  []string      `json:"active_tracks"`
	HasPending    bool          `json:"has_pending"`
	Scenes        []string      `json:"scenes"`
	CurrentScene  string        `json:"current_scene,omitempty"`
}

// TrackStatus is one entry of the track listing.
type TrackStatus struct {
	TrackID string `json:"track_id"`
	Kind    string `json:"kind"`
	Mute    bool   `json:"mute"`
	Solo    bool   `json:"solo"`
	Active  bool   `json:"active"`
	Params  any    `json:"params,omitempty"`
	Events  int    `json:"events"`
}

// TrackPatternInfo is the compact per-track view pushed on the event stream:
// the sound name and the first bar rendered as an x-prefixed hex pattern.
type TrackPatternInfo struct {
	TrackID string `json:"track_id"`
	Sound   string `json:"sound"`
	Pattern string `json:"pattern"`
}

// RuntimeState is the engine's mutable view of the performance: the effective
// session, the loop cursor and the transport state. Only the engine goroutine
// touches it; readers go through snapshot commands. Session updates replace
// values instead of mutating shared ones, so snapshots taken earlier stay
// valid.
type RuntimeState struct {
	session  *ir.Session
	position Position
	playback PlaybackState
	scene    string
}

// NewRuntimeState starts with an empty session at the default environment.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{
		session:  &ir.Session{Environment: ir.DefaultEnvironment()},
		playback: StateStopped,
	}
}

// Session returns the effective session.
func (r *RuntimeState) Session() *ir.Session { return r.session }

// BPM returns the effective tempo.
func (r *RuntimeState) BPM() float64 { return r.session.Environment.BPM }

// StepDuration returns the wall-clock length of one step at the current BPM.
func (r *RuntimeState) StepDuration() time.Duration {
	return ir.StepDuration(r.session.Environment.BPM)
}

// Playback returns the transport state.
func (r *RuntimeState) Playback() PlaybackState { return r.playback }

// Playing reports whether the transport is running.
func (r *RuntimeState) Playing() bool { return r.playback == StatePlaying }

// Position returns the loop cursor.
func (r *RuntimeState) Position() Position { return r.position }

// CurrentScene returns the active scene name, empty if none.
func (r *RuntimeState) CurrentScene() string { return r.scene }

func (r *RuntimeState) setPlayback(s PlaybackState) { r.playback = s }

// AdvancePosition moves the cursor one step forward, wrapping at loopSteps.
func (r *RuntimeState) AdvancePosition(loopSteps int) {
	if loopSteps <= 0 {
		loopSteps = ir.LoopSteps
	}
	r.position = positionAt((r.position.Step + 1) % loopSteps)
}

// ResetPosition moves the cursor back to step zero.
func (r *RuntimeState) ResetPosition() { r.position = Position{} }

// SetBPM clamps and applies a new tempo, returning the effective value.
func (r *RuntimeState) SetBPM(bpm float64) float64 {
	bpm = clampFloat(bpm, minBPM, maxBPM)
	next := *r.session
	next.Environment.BPM = bpm
	r.session = &next
	return bpm
}

// ApplyEnvironmentPatch merges non-nil fields into the environment, clamping
// each to its valid range.
func (r *RuntimeState) ApplyEnvironmentPatch(patch EnvironmentPatch) {
	next := *r.session
	if patch.BPM != nil {
		next.Environment.BPM = clampFloat(*patch.BPM, minBPM, maxBPM)
	}
	if patch.Swing != nil {
		next.Environment.Swing = clampFloat(*patch.Swing, 0, 1)
	}
	if patch.DefaultGate != nil {
		next.Environment.DefaultGate = clampFloat(*patch.DefaultGate, 0, 1)
	}
	r.session = &next
}

// ReplaceSession swaps in a new session. The scene marker is cleared because
// it described the previous session's layering.
func (r *RuntimeState) ReplaceSession(s *ir.Session) {
	r.session = s
	r.scene = ""
}

// LoadExclusive replaces the session but keeps only the sequences of the
// listed tracks; every other track loads silent.
func (r *RuntimeState) LoadExclusive(s *ir.Session, trackIDs []string) {
	keep := make(map[string]bool, len(trackIDs))
	for _, id := range trackIDs {
		keep[id] = true
	}
	next := *s
	next.Sequences = make(map[string]ir.EventSequence, len(s.Sequences))
	for id, seq := range s.Sequences {
		if keep[id] {
			next.Sequences[id] = seq
		} else {
			next.Sequences[id] = ir.NewEventSequence(id, nil)
		}
	}
	r.session = &next
	r.scene = ""
}

// ActivateScene merges the named scene into the session: the environment is
// replaced only when the scene carries one, and the track, sequence and mixer
// maps merge by key. Entries the scene does not name survive; scenes never
// delete.
func (r *RuntimeState) ActivateScene(name string) bool {
	scene, ok := r.session.Scenes[name]
	if !ok {
		return false
	}
	next := *r.session
	if scene.Environment != nil {
		next.Environment = *scene.Environment
	}
	next.Tracks = mergeMap(r.session.Tracks, scene.Tracks)
	next.TracksMidi = mergeMap(r.session.TracksMidi, scene.TracksMidi)
	next.Sequences = mergeMap(r.session.Sequences, scene.Sequences)
	next.MixerLines = mergeMap(r.session.MixerLines, scene.MixerLines)
	r.session = &next
	r.scene = name
	return true
}

// SetTrackMute sets the mute flag of an audio or MIDI track. False if the
// track does not exist.
func (r *RuntimeState) SetTrackMute(trackID string, mute bool) bool {
	if t, ok := r.session.Tracks[trackID]; ok {
		t.Meta.Mute = mute
		r.replaceAudioTrack(trackID, t)
		return true
	}
	if t, ok := r.session.TracksMidi[trackID]; ok {
		t.Mute = mute
		r.replaceMidiTrack(trackID, t)
		return true
	}
	return false
}

// SetTrackSolo sets the solo flag of an audio or MIDI track. False if the
// track does not exist.
func (r *RuntimeState) SetTrackSolo(trackID string, solo bool) bool {
	if t, ok := r.session.Tracks[trackID]; ok {
		t.Meta.Solo = solo
		r.replaceAudioTrack(trackID, t)
		return true
	}
	if t, ok := r.session.TracksMidi[trackID]; ok {
		t.Solo = solo
		r.replaceMidiTrack(trackID, t)
		return true
	}
	return false
}

// ApplyTrackPatch merges a partial update into a track. False if the track
// does not exist.
func (r *RuntimeState) ApplyTrackPatch(trackID string, patch TrackPatch) bool {
	if t, ok := r.session.Tracks[trackID]; ok {
		patchAudioParams(&t.Params, patch.Params)
		if len(patch.FX) > 0 {
			t.FX = mergeMap(t.FX, patch.FX)
		}
		if len(patch.TrackFX) > 0 {
			t.TrackFX = mergeMap(t.TrackFX, patch.TrackFX)
		}
		r.replaceAudioTrack(trackID, t)
		return true
	}
	if t, ok := r.session.TracksMidi[trackID]; ok {
		patchMidiTrack(&t, patch.Params)
		r.replaceMidiTrack(trackID, t)
		return true
	}
	return false
}

func (r *RuntimeState) replaceAudioTrack(id string, t ir.AudioTrack) {
	next := *r.session
	next.Tracks = cloneWith(r.session.Tracks, id, t)
	r.session = &next
}

func (r *RuntimeState) replaceMidiTrack(id string, t ir.MidiTrack) {
	next := *r.session
	next.TracksMidi = cloneWith(r.session.TracksMidi, id, t)
	r.session = &next
}

// ActiveAudioTracks returns the audible audio track ids, sorted. Solo takes
// precedence over mute within the audio set, then mixer lines gate the
// result.
func (r *RuntimeState) ActiveAudioTracks() []string {
	s := r.session
	anySolo := false
	for _, t := range s.Tracks {
		if t.Meta.Solo {
			anySolo = true
			break
		}
	}
	var active []string
	for id, t := range s.Tracks {
		if anySolo && !t.Meta.Solo {
			continue
		}
		if !anySolo && t.Meta.Mute {
			continue
		}
		if !mixerAllows(s, id) {
			continue
		}
		active = append(active, id)
	}
	sort.Strings(active)
	return active
}

// ActiveMidiTracks returns the audible MIDI track ids, sorted. The MIDI set
// resolves solo independently of the audio set.
func (r *RuntimeState) ActiveMidiTracks() []string {
	s := r.session
	anySolo := false
	for _, t := range s.TracksMidi {
		if t.Solo {
			anySolo = true
			break
		}
	}
	var active []string
	for id, t := range s.TracksMidi {
		if anySolo && !t.Solo {
			continue
		}
		if !anySolo && t.Mute {
			continue
		}
		if !mixerAllows(s, id) {
			continue
		}
		active = append(active, id)
	}
	sort.Strings(active)
	return active
}

// ActiveTracks returns all audible track ids, sorted.
func (r *RuntimeState) ActiveTracks() []string {
	active := append(r.ActiveAudioTracks(), r.ActiveMidiTracks()...)
	sort.Strings(active)
	return active
}

// mixerAllows applies the mixer-line gate: with any line soloed only tracks
// on a soloed line pass; otherwise a track is blocked only when every line
// containing it is muted. Tracks on no line always pass.
func mixerAllows(s *ir.Session, trackID string) bool {
	anySolo := false
	var containing []ir.MixerLine
	for _, line := range s.MixerLines {
		if line.Solo {
			anySolo = true
		}
		if line.Includes(trackID) {
			containing = append(containing, line)
		}
	}
	if anySolo {
		for _, line := range containing {
			if line.Solo {
				return true
			}
		}
		return false
	}
	if len(containing) == 0 {
		return true
	}
	for _, line := range containing {
		if !line.Mute {
			return true
		}
	}
	return false
}

// Status assembles the transport snapshot. hasPending comes from the apply
// scheduler, which the state does not own.
func (r *RuntimeState) Status(hasPending bool) StatusSnapshot {
	return StatusSnapshot{
		Playing:       r.playback == StatePlaying,
		PlaybackState: r.playback,
		BPM:           r.session.Environment.BPM,
		Position:      r.position,
		ActiveTracks:  r.ActiveTracks(),
		HasPending:    hasPending,
		Scenes:        r.session.SceneNames(),
		CurrentScene:  r.scene,
	}
}

// TrackStatuses returns the full track listing, sorted by id.
func (r *RuntimeState) TrackStatuses() []TrackStatus {
	s := r.session
	activeSet := make(map[string]bool)
	for _, id := range r.ActiveTracks() {
		activeSet[id] = true
	}

	statuses := make([]TrackStatus, 0, len(s.Tracks)+len(s.TracksMidi))
	for id, t := range s.Tracks {
		statuses = append(statuses, TrackStatus{
			TrackID: id,
			Kind:    "audio",
			Mute:    t.Meta.Mute,
			Solo:    t.Meta.Solo,
			Active:  activeSet[id],
			Params:  t.Params,
			Events:  s.Sequences[id].Len(),
		})
	}
	for id, t := range s.TracksMidi {
		statuses = append(statuses, TrackStatus{
			TrackID: id,
			Kind:    "midi",
			Mute:    t.Mute,
			Solo:    t.Solo,
			Active:  activeSet[id],
			Params: map[string]any{
				"channel":   t.Channel,
				"velocity":  t.Velocity,
				"transpose": t.Transpose,
			},
			Events: s.Sequences[id].Len(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].TrackID < statuses[j].TrackID })
	return statuses
}

// TrackPatterns renders the stream view of every track: the sound name and
// the first bar as an x-prefixed hex pattern, one nibble per beat.
func (r *RuntimeState) TrackPatterns() []TrackPatternInfo {
	s := r.session
	infos := make([]TrackPatternInfo, 0, len(s.Tracks)+len(s.TracksMidi))
	for _, id := range s.TrackIDs() {
		sound := id
		if t, ok := s.Tracks[id]; ok && t.Params.S != "" {
			sound = t.Params.S
		}
		infos = append(infos, TrackPatternInfo{
			TrackID: id,
			Sound:   sound,
			Pattern: patternString(s.Sequences[id]),
		})
	}
	return infos
}

func patternString(seq ir.EventSequence) string {
	var nibbles [4]int
	for step := 0; step < ir.StepsPerBar; step++ {
		if seq.HasEventsAt(step) {
			nibbles[step/4] |= 1 << (3 - step%4)
		}
	}
	return fmt.Sprintf("x%x%x%x%x", nibbles[0], nibbles[1], nibbles[2], nibbles[3])
}

func patchAudioParams(p *ir.TrackParams, params map[string]any) {
	if len(params) == 0 {
		return
	}
	extra := make(map[string]any, len(p.ExtraParams)+len(params))
	for k, v := range p.ExtraParams {
		extra[k] = v
	}
	for key, value := range params {
		switch key {
		case "s":
			if s, ok := value.(string); ok {
				p.S = s
			}
		case "n":
			if n, ok := toFloat(value); ok {
				p.N = int(n)
			}
		case "gain":
			if f, ok := toFloat(value); ok {
				p.Gain = f
			}
		case "pan":
			if f, ok := toFloat(value); ok {
				p.Pan = f
			}
		case "speed":
			if f, ok := toFloat(value); ok {
				p.Speed = f
			}
		case "begin":
			if f, ok := toFloat(value); ok {
				p.Begin = f
			}
		case "end":
			if f, ok := toFloat(value); ok {
				p.End = f
			}
		case "cut":
			if f, ok := toFloat(value); ok {
				cut := int(f)
				p.Cut = &cut
			}
		case "legato":
			if f, ok := toFloat(value); ok {
				legato := f
				p.Legato = &legato
			}
		default:
			extra[key] = value
		}
	}
	if len(extra) > 0 {
		p.ExtraParams = extra
	}
}

func patchMidiTrack(t *ir.MidiTrack, params map[string]any) {
	for key, value := range params {
		f, ok := toFloat(value)
		if !ok {
			continue
		}
		switch key {
		case "channel":
			t.Channel = uint8(clampFloat(f, 0, 15))
		case "velocity":
			t.Velocity = int(clampFloat(f, 0, 127))
		case "transpose":
			t.Transpose = int(f)
		}
	}
}

func mergeMap[K comparable, V any](base, overlay map[K]V) map[K]V {
	if len(overlay) == 0 {
		return base
	}
	merged := make(map[K]V, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func cloneWith[K comparable, V any](base map[K]V, key K, value V) map[K]V {
	cloned := make(map[K]V, len(base)+1)
	for k, v := range base {
		cloned[k] = v
	}
	cloned[key] = value
	return cloned
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
