package handlers

import (
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/KengoTobita/oiduna/internal/engine"
	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

const maxSessionBodyBytes = 4 << 20

// PlaybackHandler serves transport control, session loading, immediate
// triggers and the pending-change queue.
type PlaybackHandler struct {
	svc *services.LoopService
}

func NewPlaybackHandler(svc *services.LoopService) *PlaybackHandler {
	return &PlaybackHandler{svc: svc}
}

// parseTiming maps the optional timing field onto an apply boundary. Empty
// falls back to def; unknown values are a validation error.
func parseTiming(raw string, def ir.ApplyTiming) (ir.ApplyTiming, error) {
	if raw == "" {
		return def, nil
	}
	timing := ir.ApplyTiming(raw)
	if !timing.Valid() {
		return "", &ir.ValidationError{Fields: []string{
			fmt.Sprintf("timing: unknown value %q (want now, beat, bar or seq)", raw),
		}}
	}
	return timing, nil
}

func applyResponse(result engine.ApplyResult) gin.H {
	resp := gin.H{
		"status":  "ok",
		"applied": result.Applied,
		"timing":  result.Timing,
	}
	if result.ChangeID != "" {
		resp["change_id"] = result.ChangeID
	}
	return resp
}

// LoadSession accepts a full Session or a ScheduledMessageBatch, runs the
// extension transform pipeline and installs the result at its apply timing.
func (h *PlaybackHandler) LoadSession(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSessionBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	result, err := h.svc.LoadSession(payload)
	if err != nil {
		log.Printf("❌ Session load failed: %v", err)
		respondEngineError(c, err)
		return
	}

	log.Printf("🎵 Session loaded (applied=%v, timing=%s)", result.Applied, result.Timing)
	c.JSON(http.StatusOK, applyResponse(result))
}

// ClearSession resets the engine to an empty session at default environment.
func (h *PlaybackHandler) ClearSession(c *gin.Context) {
	if err := h.svc.ClearSession(); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *PlaybackHandler) Start(c *gin.Context) {
	status, err := h.svc.Engine().Play()
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "playback_state": status.PlaybackState})
}

func (h *PlaybackHandler) Stop(c *gin.Context) {
	status, err := h.svc.Engine().StopPlayback()
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "playback_state": status.PlaybackState})
}

func (h *PlaybackHandler) Pause(c *gin.Context) {
	status, err := h.svc.Engine().Pause()
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "playback_state": status.PlaybackState})
}

// Status returns the transport snapshot.
func (h *PlaybackHandler) Status(c *gin.Context) {
	status, err := h.svc.Engine().Status()
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type BpmRequest struct {
	BPM float64 `json:"bpm" binding:"required"`
}

// SetBPM changes the tempo immediately and re-anchors the clocks.
func (h *PlaybackHandler) SetBPM(c *gin.Context) {
	var req BpmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bpm, err := h.svc.Engine().SetBPM(req.BPM)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "bpm": bpm})
}

type EnvironmentPatchRequest struct {
	BPM         *float64 `json:"bpm"`
	Swing       *float64 `json:"swing"`
	DefaultGate *float64 `json:"default_gate"`
	Timing      string   `json:"timing"`
}

// PatchEnvironment merges a partial environment update. Without a timing
// field the patch applies immediately.
func (h *PlaybackHandler) PatchEnvironment(c *gin.Context) {
	var req EnvironmentPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timing, err := parseTiming(req.Timing, ir.ApplyNow)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	patch := engine.EnvironmentPatch{
		BPM:         req.BPM,
		Swing:       req.Swing,
		DefaultGate: req.DefaultGate,
	}
	result, err := h.svc.Engine().PatchEnvironment(patch, timing)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, applyResponse(result))
}

type TrackPatchRequest struct {
	Params  map[string]any `json:"params"`
	FX      map[string]any `json:"fx"`
	TrackFX map[string]any `json:"track_fx"`
	Timing  string         `json:"timing"`
}

// PatchTrack merges a partial parameter update into one track.
func (h *PlaybackHandler) PatchTrack(c *gin.Context) {
	trackID := c.Param("id")

	var req TrackPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timing, err := parseTiming(req.Timing, ir.ApplyNow)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	patch := engine.TrackPatch{
		Params:  req.Params,
		FX:      req.FX,
		TrackFX: req.TrackFX,
	}
	result, err := h.svc.Engine().PatchTrack(trackID, patch, timing)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, applyResponse(result))
}

type TriggerOSCRequest struct {
	TrackID  string   `json:"track_id" binding:"required"`
	Velocity *float64 `json:"velocity"`
	Note     *int     `json:"note"`
}

// TriggerOSC fires one audio event immediately, bypassing the sequencer.
func (h *PlaybackHandler) TriggerOSC(c *gin.Context) {
	var req TriggerOSCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	velocity := 1.0
	if req.Velocity != nil {
		velocity = *req.Velocity
	}
	if err := h.svc.Engine().TriggerTrack(req.TrackID, velocity, req.Note); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type TriggerMidiRequest struct {
	TrackID    string   `json:"track_id" binding:"required"`
	Note       *int     `json:"note" binding:"required"`
	Velocity   *float64 `json:"velocity"`
	DurationMS int      `json:"duration_ms"`
}

// TriggerMidi fires one MIDI note now with a scheduled note-off.
func (h *PlaybackHandler) TriggerMidi(c *gin.Context) {
	var req TriggerMidiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	velocity := 1.0
	if req.Velocity != nil {
		velocity = *req.Velocity
	}
	if err := h.svc.Engine().TriggerMidiNote(req.TrackID, *req.Note, velocity, req.DurationMS); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PendingChanges lists queued changes plus those applied within the last
// second, so retrying clients can observe completion.
func (h *PlaybackHandler) PendingChanges(c *gin.Context) {
	changes, err := h.svc.Engine().PendingChanges()
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "count": len(changes)})
}

// CancelChange drops one queued change by id.
func (h *PlaybackHandler) CancelChange(c *gin.Context) {
	if err := h.svc.Engine().CancelChange(c.Param("id")); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CancelAllChanges empties the pending-change queue.
func (h *PlaybackHandler) CancelAllChanges(c *gin.Context) {
	count, err := h.svc.Engine().CancelAllChanges()
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "cancelled": count})
}
