package handlers

import (
	"net/http"

	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether the engine goroutine is still serving
// commands.
func HealthCheck(svc *services.LoopService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := svc.Engine().Status(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
