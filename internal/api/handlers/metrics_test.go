package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEndpoint(t *testing.T) {
	svc, _ := newTestService(t, nullMidi{})
	_, err := svc.LoadSession([]byte(minimalSession))
	require.NoError(t, err)

	router := gin.New()
	router.GET("/metrics", NewMetricsHandler("1.2.3", svc, nil).GetMetrics)

	w := doRequest(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.NotEmpty(t, body["uptime"])

	system := body["system"].(map[string]any)
	assert.NotEmpty(t, system["go_version"])

	eng := body["engine"].(map[string]any)
	assert.Equal(t, "stopped", eng["playback_state"])
	assert.Equal(t, 140.0, eng["bpm"])
	assert.Contains(t, eng, "drift")
	assert.Contains(t, eng, "stream")
	// no destination router wired, so no send error counters
	assert.NotContains(t, eng, "send_errors")
}
