package handlers

import (
	"errors"
	"net/http"

	"github.com/KengoTobita/oiduna/internal/engine"
	"github.com/KengoTobita/oiduna/internal/extensions"
	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

// respondEngineError maps engine and pipeline errors onto HTTP statuses:
// validation failures carry the field list, transform failures name the
// failing extension, unknown ids turn into 404s.
func respondEngineError(c *gin.Context, err error) {
	var verr *ir.ValidationError
	var terr *extensions.TransformError

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	case errors.As(err, &terr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     terr.Error(),
			"extension": terr.Extension,
		})
	case errors.Is(err, ir.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrTrackNotFound),
		errors.Is(err, engine.ErrSceneNotFound),
		errors.Is(err, engine.ErrChangeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotPlaying):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrEngineClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// respondAssetError maps asset storage errors onto HTTP statuses.
func respondAssetError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrAssetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidAssetName),
		errors.Is(err, services.ErrUnsupportedAssetType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAssetTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrStorageFull):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
