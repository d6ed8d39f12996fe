package ir

import (
	"encoding/json"
	"math"
)

// ScheduledMessage is the flat, destination-agnostic wire form of one
// event: where it goes, when it fires, and an opaque parameter mapping.
type ScheduledMessage struct {
	DestinationID string         `json:"destination_id"`
	Cycle         float64        `json:"cycle"`
	Step          int            `json:"step"`
	Params        map[string]any `json:"params"`
}

// ScheduledMessageBatch is the flat session shape: a list of messages plus
// tempo and pattern length. pattern_length is in cycles; one cycle is 16
// steps, so the batch occupies pattern_length*16 of the 256-step loop.
type ScheduledMessageBatch struct {
	Messages      []ScheduledMessage `json:"messages"`
	BPM           float64            `json:"bpm"`
	PatternLength float64            `json:"pattern_length"`
}

func (b *ScheduledMessageBatch) UnmarshalJSON(data []byte) error {
	type alias ScheduledMessageBatch
	tmp := alias{BPM: 120.0, PatternLength: 4.0}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*b = ScheduledMessageBatch(tmp)
	return nil
}

// ActiveSteps returns the number of loop steps the batch occupies, clamped
// to the full loop. Non-positive pattern lengths mean the full loop.
func (b *ScheduledMessageBatch) ActiveSteps() int {
	if b.PatternLength <= 0 {
		return LoopSteps
	}
	steps := int(math.Round(b.PatternLength * float64(StepsPerBar)))
	if steps < 1 {
		return 1
	}
	if steps > LoopSteps {
		return LoopSteps
	}
	return steps
}

// Validate checks message-level invariants.
func (b *ScheduledMessageBatch) Validate() error {
	verr := &ValidationError{}
	if b.BPM <= 0 {
		verr.add("bpm: must be > 0, got %v", b.BPM)
	}
	for i, msg := range b.Messages {
		if msg.DestinationID == "" {
			verr.add("messages[%d].destination_id: must not be empty", i)
		}
		if msg.Step < 0 || msg.Step >= LoopSteps {
			verr.add("messages[%d].step: must be in [0,%d], got %d", i, LoopSteps-1, msg.Step)
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}
