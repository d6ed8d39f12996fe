package ir

import "encoding/json"

// Event is a single trigger in a pattern. Velocity is normalized 0..1; gate
// is the sounding length as a ratio of one step; offset_ms shifts emission
// off the grid (positive = late, negative = as early as the step allows).
type Event struct {
	Step     int     `json:"step"`
	Velocity float64 `json:"velocity"`
	Note     *int    `json:"note,omitempty"`
	Gate     float64 `json:"gate"`
	OffsetMS float64 `json:"offset_ms,omitempty"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	tmp := alias{Velocity: 1.0, Gate: 1.0}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*e = Event(tmp)
	return nil
}

// EventSequence holds a track's pattern with a step index for O(1) lookup.
// The index maps step number to positions in the event slice and is rebuilt
// at construction; it is never serialized.
type EventSequence struct {
	TrackID string
	Events  []Event

	stepIndex map[int][]int
}

// NewEventSequence builds a sequence and its step index.
func NewEventSequence(trackID string, events []Event) EventSequence {
	seq := EventSequence{TrackID: trackID, Events: events}
	seq.buildIndex()
	return seq
}

func (s *EventSequence) buildIndex() {
	s.stepIndex = make(map[int][]int, len(s.Events))
	for i, event := range s.Events {
		s.stepIndex[event.Step] = append(s.stepIndex[event.Step], i)
	}
}

// EventsAt returns the events at step in input order. Nil if none.
func (s EventSequence) EventsAt(step int) []Event {
	indices := s.stepIndex[step]
	if len(indices) == 0 {
		return nil
	}
	events := make([]Event, len(indices))
	for i, idx := range indices {
		events[i] = s.Events[idx]
	}
	return events
}

// HasEventsAt reports whether any event lands on step.
func (s EventSequence) HasEventsAt(step int) bool {
	_, ok := s.stepIndex[step]
	return ok
}

// Len returns the event count.
func (s EventSequence) Len() int { return len(s.Events) }

type sequenceJSON struct {
	TrackID string  `json:"track_id"`
	Events  []Event `json:"events"`
}

func (s EventSequence) MarshalJSON() ([]byte, error) {
	return json.Marshal(sequenceJSON{TrackID: s.TrackID, Events: s.Events})
}

func (s *EventSequence) UnmarshalJSON(data []byte) error {
	var tmp sequenceJSON
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*s = NewEventSequence(tmp.TrackID, tmp.Events)
	return nil
}
