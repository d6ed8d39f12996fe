package extensions

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KengoTobita/oiduna/internal/ir"
)

// superDirtOrbits is the orbit count of a stock SuperDirt boot.
const superDirtOrbits = 12

// SuperDirtConfig tunes the SuperDirt extension. DestinationID selects the
// messages to decorate and defaults to "superdirt". Orbit, when set, is
// injected into messages that carry no orbit of their own.
type SuperDirtConfig struct {
	DestinationID string
	Orbit         *int
}

// SuperDirt decorates outgoing SuperDirt messages with the tempo-derived
// cps parameter, which SuperDirt needs to scale tempo-relative effects.
// The loop engine itself never writes cps, so without this extension
// SuperDirt falls back to its own clock.
type SuperDirt struct {
	cfg SuperDirtConfig
}

// NewSuperDirt builds the extension with defaults filled in.
func NewSuperDirt(cfg SuperDirtConfig) *SuperDirt {
	if cfg.DestinationID == "" {
		cfg.DestinationID = "superdirt"
	}
	return &SuperDirt{cfg: cfg}
}

func (s *SuperDirt) Name() string { return "superdirt" }

// Transform passes session payloads through unchanged; this extension
// only works at send time.
func (s *SuperDirt) Transform(payload []byte) ([]byte, error) {
	return payload, nil
}

// BeforeSend injects cps (and the default orbit, when configured) into
// messages bound for the SuperDirt destination. Params maps are copied,
// never mutated in place.
func (s *SuperDirt) BeforeSend(messages []ir.ScheduledMessage, bpm float64, step int) []ir.ScheduledMessage {
	cps := ir.CyclesPerSecond(bpm)
	out := make([]ir.ScheduledMessage, len(messages))
	for i, msg := range messages {
		if msg.DestinationID != s.cfg.DestinationID {
			out[i] = msg
			continue
		}
		params := make(map[string]any, len(msg.Params)+2)
		for k, v := range msg.Params {
			params[k] = v
		}
		params["cps"] = cps
		if s.cfg.Orbit != nil {
			if _, ok := params["orbit"]; !ok {
				params["orbit"] = *s.cfg.Orbit
			}
		}
		msg.Params = params
		out[i] = msg
	}
	return out
}

// Routes serves a small helper endpoint listing the orbits clients may
// target.
func (s *SuperDirt) Routes(group *gin.RouterGroup) {
	group.GET("/orbits", func(c *gin.Context) {
		orbits := make([]int, superDirtOrbits)
		for i := range orbits {
			orbits[i] = i
		}
		c.JSON(http.StatusOK, gin.H{"orbits": orbits})
	})
}
