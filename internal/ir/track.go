package ir

import "encoding/json"

// TrackMeta carries track identity and playback flags.
type TrackMeta struct {
	TrackID string `json:"track_id"`
	Mute    bool   `json:"mute"`
	Solo    bool   `json:"solo"`
}

// TrackParams holds the sound parameters of an audio track.
type TrackParams struct {
	S     string  `json:"s"`
	N     int     `json:"n"`
	Gain  float64 `json:"gain"`
	Pan   float64 `json:"pan"`
	Speed float64 `json:"speed"`
	Begin float64 `json:"begin"`
	End   float64 `json:"end"`

	// Voice control
	Cut    *int     `json:"cut,omitempty"`
	Legato *float64 `json:"legato,omitempty"`

	// SynthDef-specific parameters, passed through untouched.
	ExtraParams map[string]any `json:"extra_params,omitempty"`
}

func (p *TrackParams) UnmarshalJSON(data []byte) error {
	type alias TrackParams
	tmp := alias{Gain: 1.0, Pan: 0.5, Speed: 1.0, End: 1.0}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*p = TrackParams(tmp)
	return nil
}

// Send routes a copy of a track's output to a mixer line.
type Send struct {
	MixerLineID string  `json:"mixer_line_id"`
	Gain        float64 `json:"gain"`
	Pan         float64 `json:"pan"`
}

func (s *Send) UnmarshalJSON(data []byte) error {
	type alias Send
	tmp := alias{Gain: 0.0, Pan: 0.5}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*s = Send(tmp)
	return nil
}

// AudioTrack is a SuperDirt-bound track. The fx and track_fx bundles are
// opaque to the core: keys are forwarded to the wire without interpretation.
type AudioTrack struct {
	Meta        TrackMeta             `json:"meta"`
	Params      TrackParams           `json:"params"`
	Sends       []Send                `json:"sends,omitempty"`
	FX          map[string]any        `json:"fx,omitempty"`
	TrackFX     map[string]any        `json:"track_fx,omitempty"`
	Modulations map[string]Modulation `json:"modulations,omitempty"`
}

// ID returns the track id.
func (t AudioTrack) ID() string { return t.Meta.TrackID }

// MidiTrack is a MIDI-bound track.
type MidiTrack struct {
	TrackID   string `json:"track_id"`
	Channel   uint8  `json:"channel"`
	Velocity  int    `json:"velocity"`
	Transpose int    `json:"transpose"`
	Mute      bool   `json:"mute"`
	Solo      bool   `json:"solo"`

	// Snake-case keys on the wire; CC numbers arrive as string keys.
	CCModulations map[string]Modulation `json:"cc_modulations,omitempty"`
	PitchBend     *Modulation           `json:"pitch_bend_modulation,omitempty"`
	Aftertouch    *Modulation           `json:"aftertouch_modulation,omitempty"`
	VelocityMod   *Modulation           `json:"velocity_modulation,omitempty"`
}

func (t *MidiTrack) UnmarshalJSON(data []byte) error {
	type alias MidiTrack
	tmp := alias{Velocity: 127}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*t = MidiTrack(tmp)
	return nil
}

// ID returns the track id.
func (t MidiTrack) ID() string { return t.TrackID }

// MixerLine groups tracks into a bus with shared dynamics and spatial
// effects. The dynamics and fx bundles pass through opaquely.
type MixerLine struct {
	Name     string         `json:"name"`
	Include  []string       `json:"include,omitempty"`
	Volume   float64        `json:"volume"`
	Pan      float64        `json:"pan"`
	Mute     bool           `json:"mute"`
	Solo     bool           `json:"solo"`
	Output   int            `json:"output"`
	Dynamics map[string]any `json:"dynamics,omitempty"`
	FX       map[string]any `json:"fx,omitempty"`
}

func (m *MixerLine) UnmarshalJSON(data []byte) error {
	type alias MixerLine
	tmp := alias{Volume: 1.0, Pan: 0.5}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*m = MixerLine(tmp)
	return nil
}

// Includes reports whether the mixer line contains the track.
func (m MixerLine) Includes(trackID string) bool {
	for _, id := range m.Include {
		if id == trackID {
			return true
		}
	}
	return false
}
