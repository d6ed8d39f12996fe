package handlers

import (
	"fmt"
	"net/http"

	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

// TracksHandler serves the track listing and the mute/solo switches.
type TracksHandler struct {
	svc *services.LoopService
}

func NewTracksHandler(svc *services.LoopService) *TracksHandler {
	return &TracksHandler{svc: svc}
}

// List returns every track of the current session, audio and MIDI.
func (h *TracksHandler) List(c *gin.Context) {
	tracks, err := h.svc.Engine().Tracks()
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tracks": tracks, "count": len(tracks)})
}

// Get returns one track by id.
func (h *TracksHandler) Get(c *gin.Context) {
	trackID := c.Param("id")

	tracks, err := h.svc.Engine().Tracks()
	if err != nil {
		respondEngineError(c, err)
		return
	}
	for _, track := range tracks {
		if track.TrackID == trackID {
			c.JSON(http.StatusOK, track)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("track not found: %s", trackID)})
}

type MuteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

// SetMute mutes or unmutes a track immediately.
func (h *TracksHandler) SetMute(c *gin.Context) {
	trackID := c.Param("id")

	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.svc.Engine().MuteTrack(trackID, *req.Muted); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "track_id": trackID, "muted": *req.Muted})
}

type SoloRequest struct {
	Solo *bool `json:"solo" binding:"required"`
}

// SetSolo solos or unsolos a track immediately. Solo wins over mute: while
// any track is soloed, only soloed tracks sound.
func (h *TracksHandler) SetSolo(c *gin.Context) {
	trackID := c.Param("id")

	var req SoloRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.svc.Engine().SoloTrack(trackID, *req.Solo); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "track_id": trackID, "solo": *req.Solo})
}
