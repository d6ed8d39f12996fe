package extensions

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KengoTobita/oiduna/internal/ir"
)

type stubExtension struct {
	name      string
	transform func(payload []byte) ([]byte, error)
}

func (s *stubExtension) Name() string { return s.name }

func (s *stubExtension) Transform(payload []byte) ([]byte, error) {
	if s.transform == nil {
		return payload, nil
	}
	return s.transform(payload)
}

type hookedExtension struct {
	stubExtension
	hook func(messages []ir.ScheduledMessage, bpm float64, step int) []ir.ScheduledMessage
}

func (h *hookedExtension) BeforeSend(messages []ir.ScheduledMessage, bpm float64, step int) []ir.ScheduledMessage {
	return h.hook(messages, bpm, step)
}

func appendingExtension(name, marker string) *stubExtension {
	return &stubExtension{
		name: name,
		transform: func(payload []byte) ([]byte, error) {
			return append(payload, []byte(marker)...), nil
		},
	}
}

func TestTransformRunsInRegistrationOrder(t *testing.T) {
	p := NewPipeline()
	p.Register(appendingExtension("first", "-a"))
	p.Register(appendingExtension("second", "-b"))

	out, err := p.Transform([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "payload-a-b", string(out))
	assert.Equal(t, []string{"first", "second"}, p.Names())
}

func TestTransformErrorNamesExtension(t *testing.T) {
	p := NewPipeline()
	p.Register(appendingExtension("ok", "-a"))
	p.Register(&stubExtension{
		name: "broken",
		transform: func([]byte) ([]byte, error) {
			return nil, errors.New("bad field")
		},
	})
	p.Register(appendingExtension("after", "-c"))

	out, err := p.Transform([]byte("payload"))
	require.Error(t, err)
	assert.Nil(t, out)

	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "broken", te.Extension)
	assert.Contains(t, err.Error(), "broken")
}

func TestTransformPanicBecomesError(t *testing.T) {
	p := NewPipeline()
	p.Register(&stubExtension{
		name: "panicky",
		transform: func([]byte) ([]byte, error) {
			panic("boom")
		},
	})

	_, err := p.Transform([]byte("{}"))
	require.Error(t, err)

	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "panicky", te.Extension)
	assert.Contains(t, te.Err.Error(), "boom")
}

func TestBeforeSendChainsHooks(t *testing.T) {
	tag := func(key string) func([]ir.ScheduledMessage, float64, int) []ir.ScheduledMessage {
		return func(messages []ir.ScheduledMessage, bpm float64, step int) []ir.ScheduledMessage {
			out := make([]ir.ScheduledMessage, len(messages))
			for i, m := range messages {
				params := map[string]any{key: step}
				for k, v := range m.Params {
					params[k] = v
				}
				m.Params = params
				out[i] = m
			}
			return out
		}
	}

	p := NewPipeline()
	p.Register(&hookedExtension{stubExtension: stubExtension{name: "one"}, hook: tag("one")})
	p.Register(&hookedExtension{stubExtension: stubExtension{name: "two"}, hook: tag("two")})

	in := []ir.ScheduledMessage{{DestinationID: "superdirt", Params: map[string]any{"s": "bd"}}}
	out := p.BeforeSend(in, 120, 4)

	require.Len(t, out, 1)
	assert.Equal(t, "bd", out[0].Params["s"])
	assert.Equal(t, 4, out[0].Params["one"])
	assert.Equal(t, 4, out[0].Params["two"])
	assert.NotContains(t, in[0].Params, "one")
}

func TestBeforeSendPanicFallsBackToInput(t *testing.T) {
	p := NewPipeline()
	p.Register(&hookedExtension{
		stubExtension: stubExtension{name: "crashy"},
		hook: func([]ir.ScheduledMessage, float64, int) []ir.ScheduledMessage {
			panic("hook exploded")
		},
	})
	p.Register(&hookedExtension{
		stubExtension: stubExtension{name: "steady"},
		hook: func(messages []ir.ScheduledMessage, bpm float64, step int) []ir.ScheduledMessage {
			out := make([]ir.ScheduledMessage, len(messages))
			for i, m := range messages {
				m.Cycle = 1.5
				out[i] = m
			}
			return out
		},
	})

	in := []ir.ScheduledMessage{{DestinationID: "superdirt", Params: map[string]any{"s": "bd"}}}
	out := p.BeforeSend(in, 120, 0)

	require.Len(t, out, 1)
	assert.Equal(t, "bd", out[0].Params["s"])
	assert.Equal(t, 1.5, out[0].Cycle)
	assert.Equal(t, map[string]uint64{"crashy": 1, "steady": 0}, p.HookErrorCounts())
}

func TestBeforeSendNilResultKeepsMessages(t *testing.T) {
	p := NewPipeline()
	p.Register(&hookedExtension{
		stubExtension: stubExtension{name: "void"},
		hook: func([]ir.ScheduledMessage, float64, int) []ir.ScheduledMessage {
			return nil
		},
	})

	in := []ir.ScheduledMessage{{DestinationID: "superdirt"}}
	out := p.BeforeSend(in, 120, 0)

	assert.Equal(t, in, out)
	assert.Equal(t, uint64(1), p.HookErrorCounts()["void"])
}

func TestHookErrorLoggingThrottled(t *testing.T) {
	reg := &registration{name: "noisy"}
	now := time.Now()

	assert.True(t, reg.shouldLog(now))
	assert.False(t, reg.shouldLog(now.Add(time.Second)))
	assert.False(t, reg.shouldLog(now.Add(hookLogInterval-time.Millisecond)))
	assert.True(t, reg.shouldLog(now.Add(hookLogInterval+time.Millisecond)))
}

func TestHookErrorCountAccumulates(t *testing.T) {
	p := NewPipeline()
	p.Register(&hookedExtension{
		stubExtension: stubExtension{name: "crashy"},
		hook: func([]ir.ScheduledMessage, float64, int) []ir.ScheduledMessage {
			panic("again")
		},
	})

	for step := 0; step < 5; step++ {
		p.BeforeSend([]ir.ScheduledMessage{{DestinationID: "superdirt"}}, 120, step)
	}
	assert.Equal(t, uint64(5), p.HookErrorCounts()["crashy"])
}

type routedExtension struct {
	stubExtension
}

func (r *routedExtension) Routes(group *gin.RouterGroup) {
	group.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pong": true})
	})
}

func TestMountRoutesGroupsByName(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	p := NewPipeline()
	p.Register(&routedExtension{stubExtension: stubExtension{name: "sampler"}})
	p.Register(&stubExtension{name: "plain"})
	p.MountRoutes(router)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/sampler/ping", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/plain/ping", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPipelineWithoutExtensionsIsIdentity(t *testing.T) {
	p := NewPipeline()

	payload := []byte(`{"bpm": 120}`)
	out, err := p.Transform(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	msgs := []ir.ScheduledMessage{{DestinationID: "superdirt"}}
	assert.Equal(t, msgs, p.BeforeSend(msgs, 120, 0))
	assert.Equal(t, 0, p.Len())
}
