package output

import (
	"testing"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
)

func TestOscMessageArgsSortedAndTyped(t *testing.T) {
	s := NewOscSender("superdirt", "127.0.0.1", 57120, "/dirt/play", false)
	assert.Equal(t, "superdirt", s.Name())
	assert.Equal(t, "127.0.0.1:57120", s.Target())

	msg := s.buildMessage(map[string]any{
		"s":      "bd",
		"gain":   0.8,
		"n":      3,
		"legato": true,
	})

	assert.Equal(t, "/dirt/play", msg.Address)
	assert.Equal(t, []interface{}{
		"gain", float32(0.8),
		"legato", true,
		"n", int32(3),
		"s", "bd",
	}, msg.Arguments)
}

func TestOscValueFallbackToString(t *testing.T) {
	msg := osc.NewMessage("/x")
	appendOscValue(msg, []int{1, 2})
	assert.Equal(t, "[1 2]", msg.Arguments[0])
}
