// Package output implements the wire-level senders behind the destination
// router: OSC over UDP for SuperDirt-style targets and MIDI for hardware.
package output

import (
	"fmt"
	"sort"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/KengoTobita/oiduna/internal/logger"
)

// OscSender sends scheduled messages to one OSC destination. Params are
// flattened to alternating key/value arguments, keys sorted so the arg
// order is stable across sends.
type OscSender struct {
	id        string
	host      string
	port      int
	address   string
	useBundle bool
	client    *osc.Client
}

func NewOscSender(id, host string, port int, address string, useBundle bool) *OscSender {
	return &OscSender{
		id:        id,
		host:      host,
		port:      port,
		address:   address,
		useBundle: useBundle,
		client:    osc.NewClient(host, port),
	}
}

func (s *OscSender) Name() string {
	return s.id
}

// Address returns the OSC address pattern messages are sent to.
func (s *OscSender) Address() string {
	return s.address
}

// Target returns "host:port" for status reporting.
func (s *OscSender) Target() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// SendBatch sends every params map as one OSC message. In bundle mode the
// whole batch goes out as a single timestamped bundle so same-step messages
// arrive together.
func (s *OscSender) SendBatch(batch []map[string]any) error {
	if len(batch) == 0 {
		return nil
	}

	if s.useBundle {
		bundle := osc.NewBundle(time.Now())
		for _, params := range batch {
			if err := bundle.Append(s.buildMessage(params)); err != nil {
				return fmt.Errorf("osc bundle append: %w", err)
			}
		}
		if err := s.client.Send(bundle); err != nil {
			return fmt.Errorf("osc bundle send: %w", err)
		}
		return nil
	}

	var firstErr error
	for _, params := range batch {
		if err := s.client.Send(s.buildMessage(params)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("osc send: %w", err)
		}
	}
	return firstErr
}

func (s *OscSender) buildMessage(params map[string]any) *osc.Message {
	msg := osc.NewMessage(s.address)

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		msg.Append(key)
		appendOscValue(msg, params[key])
	}
	return msg
}

// appendOscValue maps Go values to OSC type tags. JSON numbers arrive as
// float64; ints produced by the lowering stage stay integral on the wire.
func appendOscValue(msg *osc.Message, value any) {
	switch v := value.(type) {
	case int:
		msg.Append(int32(v))
	case int32:
		msg.Append(v)
	case int64:
		msg.Append(int32(v))
	case float64:
		msg.Append(float32(v))
	case float32:
		msg.Append(v)
	case bool:
		msg.Append(v)
	case string:
		msg.Append(v)
	default:
		msg.Append(fmt.Sprint(v))
	}
}

// Close is a no-op: the client dials per send, there is no held socket.
func (s *OscSender) Close() error {
	logger.Debug("OSC sender closed", logger.Fields{"destination": s.id})
	return nil
}
