package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/KengoTobita/oiduna/internal/engine"
	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/scheduler"
	"github.com/KengoTobita/oiduna/internal/services"
)

type nullMidi struct{}

func (nullMidi) NoteOn(channel, note, velocity uint8) error           { return nil }
func (nullMidi) NoteOff(channel, note uint8) error                    { return nil }
func (nullMidi) ControlChange(channel, controller, value uint8) error { return nil }
func (nullMidi) PitchBend(channel uint8, value int) error             { return nil }
func (nullMidi) Aftertouch(channel, value uint8) error                { return nil }

func (nullMidi) Clock() error    { return nil }
func (nullMidi) Start() error    { return nil }
func (nullMidi) Stop() error     { return nil }
func (nullMidi) Continue() error { return nil }
func (nullMidi) AllNotesOff()    {}
func (nullMidi) Panic()          {}

func (nullMidi) Connected() bool           { return true }
func (nullMidi) PortName() string          { return "test" }
func (nullMidi) SetPort(name string) error { return nil }

var _ engine.MidiOutput = nullMidi{}

// deadPortMidi refuses port switches, as a busy device would.
type deadPortMidi struct{ nullMidi }

func (deadPortMidi) SetPort(name string) error { return errors.New("port in use") }

type captureDispatcher struct {
	mu       sync.Mutex
	messages []ir.ScheduledMessage
}

func (d *captureDispatcher) Dispatch(messages []ir.ScheduledMessage) {
	d.mu.Lock()
	d.messages = append(d.messages, messages...)
	d.mu.Unlock()
}

func (d *captureDispatcher) Destinations() []string { return []string{"superdirt"} }
func (d *captureDispatcher) Has(id string) bool     { return id == "superdirt" }

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

// newTestService builds a service on a live engine with stubbed outputs.
func newTestService(t *testing.T, midi engine.MidiOutput) (*services.LoopService, *captureDispatcher) {
	t.Helper()
	dispatcher := &captureDispatcher{}
	broker := services.NewBroker()
	eng := engine.New(scheduler.NewMessageStore(), dispatcher, midi, broker, engine.Options{})
	svc := services.NewLoopService(eng, nil, broker)
	svc.Start()
	t.Cleanup(svc.Close)
	return svc, dispatcher
}

const minimalSession = `{
	"environment": {"bpm": 140, "swing": 0, "default_gate": 1, "loop_steps": 256},
	"tracks": {
		"bd": {"meta": {"track_id": "bd"}, "params": {"s": "bd"}}
	},
	"sequences": {
		"bd": {"track_id": "bd", "events": [{"step": 0, "velocity": 1, "gate": 1}]}
	}
}`

const sessionWithScenes = `{
	"environment": {"bpm": 140, "swing": 0, "default_gate": 1, "loop_steps": 256},
	"tracks": {
		"bd": {"meta": {"track_id": "bd"}, "params": {"s": "bd"}},
		"hh": {"meta": {"track_id": "hh"}, "params": {"s": "hh"}}
	},
	"tracks_midi": {
		"keys": {"track_id": "keys", "channel": 2, "velocity": 100, "transpose": 0}
	},
	"sequences": {
		"bd": {"track_id": "bd", "events": [{"step": 0, "velocity": 1, "gate": 1}]},
		"hh": {"track_id": "hh", "events": [{"step": 2, "velocity": 0.8, "gate": 1}]}
	},
	"scenes": {
		"calm": {
			"name": "calm",
			"environment": {"bpm": 90, "swing": 0, "default_gate": 1, "loop_steps": 256}
		}
	}
}`

// doRequest runs one request through the router and returns the recorder.
func doRequest(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decodeBody unmarshals a JSON response body.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func init() {
	gin.SetMode(gin.TestMode)
}
