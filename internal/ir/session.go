package ir

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Environment holds the global performance settings.
type Environment struct {
	BPM         float64 `json:"bpm"`
	Swing       float64 `json:"swing"`
	DefaultGate float64 `json:"default_gate"`
	LoopSteps   int     `json:"loop_steps"`
}

func (e *Environment) UnmarshalJSON(data []byte) error {
	type alias Environment
	tmp := alias{BPM: 120.0, DefaultGate: 1.0, LoopSteps: LoopSteps}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*e = Environment(tmp)
	return nil
}

// DefaultEnvironment returns the environment used before any session loads.
func DefaultEnvironment() Environment {
	return Environment{BPM: 120.0, DefaultGate: 1.0, LoopSteps: LoopSteps}
}

// ApplyTiming names the musical boundary at which a pending change
// integrates into the session.
type ApplyTiming string

const (
	ApplyNow  ApplyTiming = "now"
	ApplyBeat ApplyTiming = "beat"
	ApplyBar  ApplyTiming = "bar"
	ApplySeq  ApplyTiming = "seq"
)

// Valid reports whether the timing is one of the four boundaries.
func (t ApplyTiming) Valid() bool {
	switch t {
	case ApplyNow, ApplyBeat, ApplyBar, ApplySeq:
		return true
	}
	return false
}

// ApplyCommand controls when and what a loaded session applies.
// Empty track_ids means the whole session.
type ApplyCommand struct {
	Timing    ApplyTiming `json:"timing"`
	TrackIDs  []string    `json:"track_ids,omitempty"`
	SceneName string      `json:"scene_name,omitempty"`
}

func (a *ApplyCommand) UnmarshalJSON(data []byte) error {
	type alias ApplyCommand
	tmp := alias{Timing: ApplyBar}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*a = ApplyCommand(tmp)
	return nil
}

// Scene is a named snapshot of session fields, merged by key on activation.
type Scene struct {
	Name        string                   `json:"name"`
	Environment *Environment             `json:"environment,omitempty"`
	Tracks      map[string]AudioTrack    `json:"tracks,omitempty"`
	TracksMidi  map[string]MidiTrack     `json:"tracks_midi,omitempty"`
	Sequences   map[string]EventSequence `json:"sequences,omitempty"`
	MixerLines  map[string]MixerLine     `json:"mixer_lines,omitempty"`
}

// Session is the full layered performance state delivered by clients.
type Session struct {
	Environment Environment              `json:"environment"`
	Tracks      map[string]AudioTrack    `json:"tracks,omitempty"`
	TracksMidi  map[string]MidiTrack     `json:"tracks_midi,omitempty"`
	MixerLines  map[string]MixerLine     `json:"mixer_lines,omitempty"`
	Sequences   map[string]EventSequence `json:"sequences,omitempty"`
	Scenes      map[string]Scene         `json:"scenes,omitempty"`
	Apply       *ApplyCommand            `json:"apply,omitempty"`
}

// EventsAt returns the events of one track at one step, nil if none.
func (s *Session) EventsAt(trackID string, step int) []Event {
	seq, ok := s.Sequences[trackID]
	if !ok {
		return nil
	}
	return seq.EventsAt(step)
}

// TrackIDs returns all track ids (audio and MIDI), sorted.
func (s *Session) TrackIDs() []string {
	ids := make([]string, 0, len(s.Tracks)+len(s.TracksMidi))
	for id := range s.Tracks {
		ids = append(ids, id)
	}
	for id := range s.TracksMidi {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SceneNames returns the scene names, sorted.
func (s *Session) SceneNames() []string {
	names := make([]string, 0, len(s.Scenes))
	for name := range s.Scenes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTrack reports whether trackID names an audio or MIDI track.
func (s *Session) HasTrack(trackID string) bool {
	if _, ok := s.Tracks[trackID]; ok {
		return true
	}
	_, ok := s.TracksMidi[trackID]
	return ok
}

// MixerLineFor returns the first mixer line whose include set contains the
// track, or nil.
func (s *Session) MixerLineFor(trackID string) *MixerLine {
	names := make([]string, 0, len(s.MixerLines))
	for name := range s.MixerLines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ml := s.MixerLines[name]
		if ml.Includes(trackID) {
			return &ml
		}
	}
	return nil
}

// ValidationError enumerates the fields that failed data-model invariants.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Fields = append(e.Fields, fmt.Sprintf(format, args...))
}

// Validate checks every data-model invariant: numeric ranges, the fixed loop
// length, and referential integrity of all cross-entity ids. Returns a
// *ValidationError listing every violation, or nil.
func (s *Session) Validate() error {
	verr := &ValidationError{}

	validateEnvironment("environment", s.Environment, verr)
	validateContent("", s.Tracks, s.TracksMidi, s.MixerLines, s.Sequences, verr)

	for name, scene := range s.Scenes {
		prefix := fmt.Sprintf("scenes.%s.", name)
		if scene.Environment != nil {
			validateEnvironment(prefix+"environment", *scene.Environment, verr)
		}
		validateContent(prefix, scene.Tracks, scene.TracksMidi, scene.MixerLines, scene.Sequences, verr)
	}

	if s.Apply != nil {
		if !s.Apply.Timing.Valid() {
			verr.add("apply.timing: unknown timing %q", s.Apply.Timing)
		}
		for _, id := range s.Apply.TrackIDs {
			if !s.HasTrack(id) {
				verr.add("apply.track_ids: unknown track %q", id)
			}
		}
		if s.Apply.SceneName != "" {
			if _, ok := s.Scenes[s.Apply.SceneName]; !ok {
				verr.add("apply.scene_name: unknown scene %q", s.Apply.SceneName)
			}
		}
	}

	if len(verr.Fields) > 0 {
		sort.Strings(verr.Fields)
		return verr
	}
	return nil
}

func validateEnvironment(prefix string, env Environment, verr *ValidationError) {
	if env.BPM <= 0 {
		verr.add("%s.bpm: must be > 0, got %v", prefix, env.BPM)
	}
	if env.Swing < 0 || env.Swing > 1 {
		verr.add("%s.swing: must be in [0,1], got %v", prefix, env.Swing)
	}
	if env.DefaultGate < 0 || env.DefaultGate > 1 {
		verr.add("%s.default_gate: must be in [0,1], got %v", prefix, env.DefaultGate)
	}
	if env.LoopSteps != LoopSteps {
		verr.add("%s.loop_steps: must be %d, got %d", prefix, LoopSteps, env.LoopSteps)
	}
}

func validateContent(
	prefix string,
	tracks map[string]AudioTrack,
	tracksMidi map[string]MidiTrack,
	mixerLines map[string]MixerLine,
	sequences map[string]EventSequence,
	verr *ValidationError,
) {
	hasTrack := func(id string) bool {
		if _, ok := tracks[id]; ok {
			return true
		}
		_, ok := tracksMidi[id]
		return ok
	}

	for id, track := range tracks {
		p := track.Params
		if p.Pan < 0 || p.Pan > 1 {
			verr.add("%stracks.%s.params.pan: must be in [0,1], got %v", prefix, id, p.Pan)
		}
		if p.Begin < 0 || p.Begin > 1 || p.End < 0 || p.End > 1 || p.Begin > p.End {
			verr.add("%stracks.%s.params: begin/end must satisfy 0 <= begin <= end <= 1", prefix, id)
		}
		for _, send := range track.Sends {
			if _, ok := mixerLines[send.MixerLineID]; !ok {
				verr.add("%stracks.%s.sends: unknown mixer line %q", prefix, id, send.MixerLineID)
			}
		}
	}

	for id, track := range tracksMidi {
		if track.Channel > 15 {
			verr.add("%stracks_midi.%s.channel: must be in [0,15], got %d", prefix, id, track.Channel)
		}
		if track.Velocity < 0 || track.Velocity > 127 {
			verr.add("%stracks_midi.%s.velocity: must be in [0,127], got %d", prefix, id, track.Velocity)
		}
	}

	for name, line := range mixerLines {
		for _, id := range line.Include {
			if !hasTrack(id) {
				verr.add("%smixer_lines.%s.include: unknown track %q", prefix, name, id)
			}
		}
	}

	for id, seq := range sequences {
		if !hasTrack(id) {
			verr.add("%ssequences.%s: no matching track", prefix, id)
		}
		for i, event := range seq.Events {
			if event.Step < 0 || event.Step >= LoopSteps {
				verr.add("%ssequences.%s.events[%d].step: must be in [0,%d], got %d", prefix, id, i, LoopSteps-1, event.Step)
			}
			if event.Velocity < 0 || event.Velocity > 1 {
				verr.add("%ssequences.%s.events[%d].velocity: must be in [0,1], got %v", prefix, id, i, event.Velocity)
			}
			if event.Note != nil && (*event.Note < 0 || *event.Note > 127) {
				verr.add("%ssequences.%s.events[%d].note: must be in [0,127], got %d", prefix, id, i, *event.Note)
			}
			if event.Gate <= 0 {
				verr.add("%ssequences.%s.events[%d].gate: must be > 0, got %v", prefix, id, i, event.Gate)
			}
		}
	}
}
