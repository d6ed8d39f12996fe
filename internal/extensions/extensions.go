// Package extensions lets optional features decorate sessions and outgoing
// messages without touching the loop engine. An extension always implements
// Transform, which rewrites the raw session payload at load time; it may
// additionally implement SendHook to adjust messages right before dispatch,
// and RouteProvider to mount its own HTTP endpoints.
package extensions

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/KengoTobita/oiduna/internal/ir"
)

// Extension is the required surface of every extension. Transform runs on
// the HTTP request path during session load, after the payload is read but
// before it is decoded; keep it lightweight.
type Extension interface {
	Name() string
	Transform(payload []byte) ([]byte, error)
}

// SendHook is implemented by extensions that need a final pass over the
// messages of a step before they reach the destinations. Hooks run inside
// the timing loop and must stay well under 100µs; returned slices replace
// the input, a nil return or a panic leaves the input untouched.
type SendHook interface {
	BeforeSend(messages []ir.ScheduledMessage, bpm float64, step int) []ir.ScheduledMessage
}

// RouteProvider is implemented by extensions that contribute HTTP routes.
// The pipeline mounts them under a group named after the extension.
type RouteProvider interface {
	Routes(group *gin.RouterGroup)
}

// TransformError reports which extension rejected a session payload.
type TransformError struct {
	Extension string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("extension %q: %v", e.Extension, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }
