package handlers

import (
	"net/http"

	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

// SceneHandler serves scene activation.
type SceneHandler struct {
	svc *services.LoopService
}

func NewSceneHandler(svc *services.LoopService) *SceneHandler {
	return &SceneHandler{svc: svc}
}

type ActivateSceneRequest struct {
	SceneID string `json:"scene_id" binding:"required"`
	Timing  string `json:"timing"`
}

// Activate merges a scene into the session. Without a timing field the
// change lands on the next bar boundary.
func (h *SceneHandler) Activate(c *gin.Context) {
	var req ActivateSceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timing, err := parseTiming(req.Timing, ir.ApplyBar)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	result, err := h.svc.Engine().ActivateScene(req.SceneID, timing)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	status, err := h.svc.Engine().Status()
	if err != nil {
		respondEngineError(c, err)
		return
	}

	resp := gin.H{
		"status":   "ok",
		"scene_id": req.SceneID,
		"applied":  result.Applied,
		"timing":   result.Timing,
		"applied_at": gin.H{
			"step": status.Position.Step,
			"beat": status.Position.Beat,
		},
	}
	if result.ChangeID != "" {
		resp["change_id"] = result.ChangeID
	}
	c.JSON(http.StatusOK, resp)
}
