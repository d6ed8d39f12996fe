package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

const maxMetadataBytes = 1 << 20

// ClientsHandler serves the session client registry. Metadata is an opaque
// JSON document owned by the client; the server stores and returns it
// verbatim.
type ClientsHandler struct {
	store *services.ClientStore
}

func NewClientsHandler(store *services.ClientStore) *ClientsHandler {
	return &ClientsHandler{store: store}
}

// SetMetadata replaces a client's metadata document in full and registers
// the client if it is new.
func (h *ClientsHandler) SetMetadata(c *gin.Context) {
	clientID := c.Param("client_id")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMetadataBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) == 0 {
		body = nil
	} else if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metadata must be valid JSON"})
		return
	}

	client, created := h.store.Upsert(clientID, body)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "client": client, "created": created})
}

// List returns every registered client.
func (h *ClientsHandler) List(c *gin.Context) {
	clients := h.store.All()
	c.JSON(http.StatusOK, gin.H{"clients": clients, "count": len(clients)})
}

// Get returns one client by id.
func (h *ClientsHandler) Get(c *gin.Context) {
	clientID := c.Param("client_id")

	client, ok := h.store.Get(clientID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("client not found: %s", clientID)})
		return
	}
	c.JSON(http.StatusOK, client)
}

// Delete removes a client and its metadata.
func (h *ClientsHandler) Delete(c *gin.Context) {
	clientID := c.Param("client_id")

	if !h.store.Delete(clientID) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("client not found: %s", clientID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
