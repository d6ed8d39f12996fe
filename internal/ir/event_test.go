package ir

import (
	"encoding/json"
	"testing"
)

func TestEventSequenceIndex(t *testing.T) {
	tests := []struct {
		name     string
		events   []Event
		step     int
		expected int
	}{
		{
			name:     "single event at step",
			events:   []Event{{Step: 0, Velocity: 1, Gate: 1}},
			step:     0,
			expected: 1,
		},
		{
			name:     "no events at step",
			events:   []Event{{Step: 0, Velocity: 1, Gate: 1}},
			step:     4,
			expected: 0,
		},
		{
			name: "multiple events at same step",
			events: []Event{
				{Step: 8, Velocity: 1.0, Gate: 1},
				{Step: 8, Velocity: 0.5, Gate: 1},
				{Step: 8, Velocity: 0.25, Gate: 1},
			},
			step:     8,
			expected: 3,
		},
		{
			name: "events spread across steps",
			events: []Event{
				{Step: 0, Velocity: 1, Gate: 1},
				{Step: 4, Velocity: 1, Gate: 1},
				{Step: 8, Velocity: 1, Gate: 1},
				{Step: 12, Velocity: 1, Gate: 1},
			},
			step:     12,
			expected: 1,
		},
		{
			name:     "empty sequence",
			events:   nil,
			step:     0,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := NewEventSequence("kick", tt.events)
			got := seq.EventsAt(tt.step)
			if len(got) != tt.expected {
				t.Errorf("EventsAt(%d) returned %d events, want %d", tt.step, len(got), tt.expected)
			}
		})
	}
}

func TestEventSequenceIndexCompleteness(t *testing.T) {
	// Every input event must be findable at exactly its own step,
	// in input order.
	events := []Event{
		{Step: 3, Velocity: 0.9, Gate: 1},
		{Step: 100, Velocity: 0.8, Gate: 1},
		{Step: 3, Velocity: 0.7, Gate: 1},
		{Step: 255, Velocity: 0.6, Gate: 1},
	}
	seq := NewEventSequence("lead", events)

	total := 0
	for step := 0; step < LoopSteps; step++ {
		got := seq.EventsAt(step)
		total += len(got)
		for _, event := range got {
			if event.Step != step {
				t.Errorf("event at step %d reports step %d", step, event.Step)
			}
		}
	}
	if total != len(events) {
		t.Errorf("index covers %d events, want %d", total, len(events))
	}

	// Order at the shared step follows input order
	atThree := seq.EventsAt(3)
	if len(atThree) != 2 || atThree[0].Velocity != 0.9 || atThree[1].Velocity != 0.7 {
		t.Errorf("events at step 3 out of input order: %+v", atThree)
	}
}

func TestEventSequenceRebuildOnDecode(t *testing.T) {
	raw := `{"track_id":"bass","events":[{"step":16,"note":36},{"step":20,"note":38,"velocity":0.5,"gate":0.25}]}`

	var seq EventSequence
	if err := json.Unmarshal([]byte(raw), &seq); err != nil {
		t.Fatalf("unmarshal sequence: %v", err)
	}

	if seq.TrackID != "bass" {
		t.Errorf("track_id = %q, want bass", seq.TrackID)
	}
	if !seq.HasEventsAt(16) || !seq.HasEventsAt(20) {
		t.Error("step index not rebuilt on decode")
	}

	first := seq.EventsAt(16)[0]
	if first.Velocity != 1.0 || first.Gate != 1.0 {
		t.Errorf("defaults not applied: velocity=%v gate=%v", first.Velocity, first.Gate)
	}
	second := seq.EventsAt(20)[0]
	if second.Velocity != 0.5 || second.Gate != 0.25 {
		t.Errorf("explicit values lost: velocity=%v gate=%v", second.Velocity, second.Gate)
	}
}

func TestEventSequenceRoundTrip(t *testing.T) {
	note := 60
	original := NewEventSequence("keys", []Event{
		{Step: 0, Velocity: 1.0, Note: &note, Gate: 0.5},
		{Step: 0, Velocity: 0.5, Note: &note, Gate: 0.5, OffsetMS: -3.5},
		{Step: 128, Velocity: 0.8, Gate: 2.0},
	})

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded EventSequence
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Len() != original.Len() {
		t.Fatalf("event count changed: %d -> %d", original.Len(), decoded.Len())
	}
	for step := 0; step < LoopSteps; step++ {
		before := original.EventsAt(step)
		after := decoded.EventsAt(step)
		if len(before) != len(after) {
			t.Errorf("step %d: %d events before, %d after", step, len(before), len(after))
			continue
		}
		for i := range before {
			if before[i].Velocity != after[i].Velocity || before[i].Gate != after[i].Gate || before[i].OffsetMS != after[i].OffsetMS {
				t.Errorf("step %d event %d changed: %+v -> %+v", step, i, before[i], after[i])
			}
		}
	}
}
