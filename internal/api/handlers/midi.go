package handlers

import (
	"fmt"
	"net/http"

	"github.com/KengoTobita/oiduna/internal/output"
	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

// MidiHandler serves MIDI port discovery, port selection and panic.
type MidiHandler struct {
	svc   *services.LoopService
	ports func() []output.PortInfo
}

// NewMidiHandler wires the handler. A nil ports lister falls back to the
// live system ports.
func NewMidiHandler(svc *services.LoopService, ports func() []output.PortInfo) *MidiHandler {
	if ports == nil {
		ports = output.PortInfos
	}
	return &MidiHandler{svc: svc, ports: ports}
}

// ListPorts returns every visible MIDI port in both directions.
func (h *MidiHandler) ListPorts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ports": h.ports()})
}

type SelectPortRequest struct {
	PortName string `json:"port_name" binding:"required"`
}

// SelectPort switches the engine's MIDI output to the named port. The port
// must be listed as an output; opening can still fail when another process
// holds it exclusively.
func (h *MidiHandler) SelectPort(c *gin.Context) {
	var req SelectPortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	known := false
	for _, port := range h.ports() {
		if port.IsOutput && port.Name == req.PortName {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("midi output port not found: %s", req.PortName),
		})
		return
	}

	if err := h.svc.Engine().SetMidiPort(req.PortName); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "port_name": req.PortName})
}

// Panic silences all MIDI output: All Notes Off and All Sound Off on every
// channel. Safe to call repeatedly.
func (h *MidiHandler) Panic(c *gin.Context) {
	if err := h.svc.Engine().MidiPanic(); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
