package ir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload reports JSON that does not parse at all, as opposed to
// a payload that parses but violates invariants.
var ErrMalformedPayload = errors.New("malformed session payload")

// Payload is the decoded result of a session submission: exactly one of
// Session or Batch is set. Both shapes are first-class; the flat batch is
// recognized by its top-level "messages" key.
type Payload struct {
	Session *Session
	Batch   *ScheduledMessageBatch
}

// DecodePayload parses and validates a session submission in either shape.
// The returned error is a *ValidationError for invariant violations and
// wraps ErrMalformedPayload for JSON that does not parse.
func DecodePayload(data []byte) (*Payload, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if _, ok := probe["messages"]; ok {
		var batch ScheduledMessageBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if err := batch.Validate(); err != nil {
			return nil, err
		}
		return &Payload{Batch: &batch}, nil
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if session.Environment == (Environment{}) {
		session.Environment = DefaultEnvironment()
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}
	return &Payload{Session: &session}, nil
}
