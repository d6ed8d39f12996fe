package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KengoTobita/oiduna/internal/services"
)

func newClientsRouter(t *testing.T) *gin.Engine {
	t.Helper()
	store := services.NewClientStore(nil)

	router := gin.New()
	h := NewClientsHandler(store)
	router.POST("/session/clients/:client_id/metadata", h.SetMetadata)
	router.GET("/session/clients", h.List)
	router.GET("/session/clients/:client_id", h.Get)
	router.DELETE("/session/clients/:client_id", h.Delete)
	return router
}

func TestClientMetadataUpsert(t *testing.T) {
	router := newClientsRouter(t)

	w := doRequest(t, router, http.MethodPost, "/session/clients/editor-1/metadata",
		gin.H{"name": "strudel", "color": "#ff8800"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, true, body["created"])
	client := body["client"].(map[string]any)
	assert.Equal(t, "editor-1", client["client_id"])
	assert.Equal(t, "strudel", client["metadata"].(map[string]any)["name"])

	// second upsert replaces the document wholesale
	w = doRequest(t, router, http.MethodPost, "/session/clients/editor-1/metadata",
		gin.H{"name": "hydra"})
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, false, body["created"])
	meta := body["client"].(map[string]any)["metadata"].(map[string]any)
	assert.Equal(t, "hydra", meta["name"])
	assert.NotContains(t, meta, "color")
}

func TestClientMetadataEmptyBody(t *testing.T) {
	router := newClientsRouter(t)

	w := doRequest(t, router, http.MethodPost, "/session/clients/bare/metadata", nil)
	require.Equal(t, http.StatusOK, w.Code)

	client := decodeBody(t, w)["client"].(map[string]any)
	assert.Equal(t, map[string]any{}, client["metadata"])
}

func TestClientMetadataInvalidJSON(t *testing.T) {
	router := newClientsRouter(t)

	w := doRequest(t, router, http.MethodPost, "/session/clients/editor-1/metadata",
		`{"name": `)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClientListAndGet(t *testing.T) {
	router := newClientsRouter(t)

	for _, id := range []string{"viewer", "editor"} {
		w := doRequest(t, router, http.MethodPost, "/session/clients/"+id+"/metadata",
			gin.H{"role": id})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doRequest(t, router, http.MethodGet, "/session/clients", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, 2.0, body["count"])

	clients := body["clients"].([]any)
	require.Len(t, clients, 2)
	// sorted by client id
	assert.Equal(t, "editor", clients[0].(map[string]any)["client_id"])
	assert.Equal(t, "viewer", clients[1].(map[string]any)["client_id"])

	w = doRequest(t, router, http.MethodGet, "/session/clients/viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "viewer", decodeBody(t, w)["client_id"])

	w = doRequest(t, router, http.MethodGet, "/session/clients/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClientDelete(t *testing.T) {
	router := newClientsRouter(t)

	w := doRequest(t, router, http.MethodPost, "/session/clients/editor-1/metadata", gin.H{})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, router, http.MethodDelete, "/session/clients/editor-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])

	w = doRequest(t, router, http.MethodDelete, "/session/clients/editor-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, router, http.MethodGet, "/session/clients", nil)
	assert.Equal(t, 0.0, decodeBody(t, w)["count"])
}
