package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KengoTobita/oiduna/internal/services"
)

func newStreamRouter(broker *services.Broker) *gin.Engine {
	router := gin.New()
	router.GET("/stream", NewStreamHandler(broker).Stream)
	return router
}

func TestStreamDeliversEvents(t *testing.T) {
	broker := services.NewBroker()
	router := newStreamRouter(broker)

	ctx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return broker.Stats().Subscribers == 1
	}, 2*time.Second, 5*time.Millisecond)

	broker.Publish("status", gin.H{"playback_state": "playing"})
	broker.Publish("position", gin.H{"step": 4, "beat": 1, "bar": 0})

	// queued events drain before the closed channel ends the stream
	broker.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return after broker close")
	}

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: connected\n"), body)
	assert.Contains(t, body, "event: status\ndata: {\"playback_state\":\"playing\"}\n\n")
	assert.Contains(t, body, "event: position\n")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
}

func TestStreamClientDisconnect(t *testing.T) {
	broker := services.NewBroker()
	router := newStreamRouter(broker)

	ctx, cancelReq := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return broker.Stats().Subscribers == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancelReq()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return after client disconnect")
	}

	assert.Equal(t, 0, broker.Stats().Subscribers)
	assert.Contains(t, w.Body.String(), "event: connected\n")
}
