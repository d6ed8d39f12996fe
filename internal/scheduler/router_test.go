package scheduler

import (
	"errors"
	"testing"

	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name    string
	batches [][]map[string]any
	sendErr error
	closed  int
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) SendBatch(params []map[string]any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.batches = append(f.batches, params)
	return nil
}

func (f *fakeSender) Close() error {
	f.closed++
	return nil
}

func TestRouterDispatchGroupsByDestination(t *testing.T) {
	router := NewDestinationRouter()
	osc := &fakeSender{name: "osc"}
	midi := &fakeSender{name: "midi"}
	router.Register("superdirt", osc)
	router.Register("volca", midi)

	router.Dispatch([]ir.ScheduledMessage{
		{DestinationID: "superdirt", Params: map[string]any{"s": "bd"}},
		{DestinationID: "volca", Params: map[string]any{"note": 36}},
		{DestinationID: "superdirt", Params: map[string]any{"s": "hh"}},
	})

	require.Len(t, osc.batches, 1)
	require.Len(t, osc.batches[0], 2)
	assert.Equal(t, "bd", osc.batches[0][0]["s"])
	assert.Equal(t, "hh", osc.batches[0][1]["s"], "per-destination order preserved")

	require.Len(t, midi.batches, 1)
	assert.Equal(t, 36, midi.batches[0][0]["note"])
}

func TestRouterUnknownDestinationSkipped(t *testing.T) {
	router := NewDestinationRouter()
	osc := &fakeSender{name: "osc"}
	router.Register("superdirt", osc)

	// Twice: the warning is once per id, messages always dropped
	for i := 0; i < 2; i++ {
		router.Dispatch([]ir.ScheduledMessage{
			{DestinationID: "nowhere", Params: map[string]any{}},
			{DestinationID: "superdirt", Params: map[string]any{"s": "bd"}},
		})
	}

	assert.Len(t, osc.batches, 2, "known destination unaffected by unknown ids")
}

func TestRouterSendErrorsCounted(t *testing.T) {
	router := NewDestinationRouter()
	failing := &fakeSender{name: "osc", sendErr: errors.New("socket closed")}
	router.Register("superdirt", failing)

	for i := 0; i < 3; i++ {
		router.Dispatch([]ir.ScheduledMessage{
			{DestinationID: "superdirt", Params: map[string]any{}},
		})
	}

	counts := router.ErrorCounts()
	assert.Equal(t, int64(3), counts["superdirt"])
}

func TestRouterRegisterReplacesAndCloses(t *testing.T) {
	router := NewDestinationRouter()
	first := &fakeSender{name: "first"}
	second := &fakeSender{name: "second"}

	router.Register("superdirt", first)
	router.Register("superdirt", second)

	assert.Equal(t, 1, first.closed, "replaced sender must be closed")
	assert.Equal(t, 0, second.closed)

	router.Dispatch([]ir.ScheduledMessage{{DestinationID: "superdirt", Params: map[string]any{}}})
	assert.Empty(t, first.batches)
	assert.Len(t, second.batches, 1)
}

func TestRouterUnregisterAndClose(t *testing.T) {
	router := NewDestinationRouter()
	a := &fakeSender{name: "a"}
	b := &fakeSender{name: "b"}
	router.Register("a", a)
	router.Register("b", b)

	assert.Equal(t, []string{"a", "b"}, router.Destinations())
	assert.True(t, router.Has("a"))

	router.Unregister("a")
	assert.Equal(t, 1, a.closed)
	assert.False(t, router.Has("a"))

	require.NoError(t, router.Close())
	assert.Equal(t, 1, b.closed)
	assert.Empty(t, router.Destinations())
}
