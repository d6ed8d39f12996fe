package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KengoTobita/oiduna/internal/config"
	"github.com/KengoTobita/oiduna/internal/engine"
	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/output"
	"github.com/KengoTobita/oiduna/internal/scheduler"
	"github.com/KengoTobita/oiduna/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopMidi struct{}

func (nopMidi) NoteOn(channel, note, velocity uint8) error           { return nil }
func (nopMidi) NoteOff(channel, note uint8) error                    { return nil }
func (nopMidi) ControlChange(channel, controller, value uint8) error { return nil }
func (nopMidi) PitchBend(channel uint8, value int) error             { return nil }
func (nopMidi) Aftertouch(channel, value uint8) error                { return nil }

func (nopMidi) Clock() error    { return nil }
func (nopMidi) Start() error    { return nil }
func (nopMidi) Stop() error     { return nil }
func (nopMidi) Continue() error { return nil }
func (nopMidi) AllNotesOff()    {}
func (nopMidi) Panic()          {}

func (nopMidi) Connected() bool           { return false }
func (nopMidi) PortName() string          { return "" }
func (nopMidi) SetPort(name string) error { return nil }

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(messages []ir.ScheduledMessage) {}
func (nopDispatcher) Destinations() []string                  { return []string{"superdirt"} }
func (nopDispatcher) Has(id string) bool                      { return true }

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	broker := services.NewBroker()
	eng := engine.New(scheduler.NewMessageStore(), nopDispatcher{}, nopMidi{}, broker, engine.Options{})
	svc := services.NewLoopService(eng, nil, broker)
	svc.Start()
	t.Cleanup(svc.Close)

	deps := Deps{
		Loop:    svc,
		Clients: services.NewClientStore(broker),
		Assets:  services.NewAssetsService(services.AssetsConfig{Root: t.TempDir()}),
		Ports:   func() []output.PortInfo { return nil },
	}
	return SetupRouter(deps, &config.Config{}, "test")
}

// Registration itself is part of the test: conflicting wildcard routes
// make gin panic inside SetupRouter.
func TestSetupRouterRegistersRoutes(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/playback/status", http.StatusOK},
		{http.MethodGet, "/playback/changes/pending", http.StatusOK},
		{http.MethodGet, "/tracks", http.StatusOK},
		{http.MethodGet, "/session/clients", http.StatusOK},
		{http.MethodGet, "/midi/ports", http.StatusOK},
		{http.MethodGet, "/assets/samples", http.StatusOK},
		{http.MethodGet, "/assets/info", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestServiceBanner(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "oiduna", body["name"])
	assert.Equal(t, "test", body["version"])
}

func TestMiddlewareHeaders(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	// preflight terminates in the CORS middleware
	req = httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
