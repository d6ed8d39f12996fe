package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

// Keep-alive heartbeat after this much idle time.
const heartbeatInterval = 15 * time.Second

// StreamHandler serves the SSE event stream.
//
// Event types:
//   - connected: emitted once on connection
//   - position: step/beat/bar updates while playing
//   - status: playback state changes
//   - tracks: track list updates
//   - error: engine errors
//   - lag: events were dropped for this subscriber
//   - heartbeat: keep-alive after 15 s idle
type StreamHandler struct {
	broker *services.Broker
}

func NewStreamHandler(broker *services.Broker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// Stream subscribes the client to the engine event broker and forwards
// events until the client disconnects or the broker closes the subscription.
func (h *StreamHandler) Stream(c *gin.Context) {
	// Set headers for SSE
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Header("X-Request-ID", c.GetString("request_id"))

	// Flush headers
	c.Writer.Flush()

	id, events, cancel := h.broker.Subscribe()
	defer cancel()

	log.Printf("📡 SSE client connected: %s", id)

	connected, _ := json.Marshal(gin.H{"timestamp": time.Now().UnixMilli()})
	if !writeSSE(c, "connected", connected) {
		return
	}

	idle := time.NewTimer(heartbeatInterval)
	defer idle.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			log.Printf("📡 SSE client disconnected: %s", id)
			return

		case ev, ok := <-events:
			if !ok {
				// Broker closed or this subscriber was dropped for lagging.
				log.Printf("📡 SSE subscription closed: %s", id)
				return
			}
			if !writeSSE(c, ev.Name, ev.Data) {
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(heartbeatInterval)

		case <-idle.C:
			beat, _ := json.Marshal(gin.H{"timestamp": time.Now().UnixMilli()})
			if !writeSSE(c, "heartbeat", beat) {
				return
			}
			idle.Reset(heartbeatInterval)
		}
	}
}

// writeSSE writes one named event and flushes it out. A write error means
// the client is gone.
func writeSSE(c *gin.Context, name string, data []byte) bool {
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
