package handlers

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

// AssetsHandler serves sample and SynthDef uploads for the sound engine.
type AssetsHandler struct {
	assets *services.AssetsService
}

func NewAssetsHandler(assets *services.AssetsService) *AssetsHandler {
	return &AssetsHandler{assets: assets}
}

// UploadSample stores one sample file under its category. Multipart form
// fields: file, category, tags (comma-separated, optional).
func (h *AssetsHandler) UploadSample(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}
	category := c.PostForm("category")
	if category == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "category field is required"})
		return
	}

	var tags []string
	if raw := c.PostForm("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	sample, err := h.assets.SaveSample(category, file.Filename, data, tags)
	if err != nil {
		respondAssetError(c, err)
		return
	}

	log.Printf("🎧 Sample uploaded: %s/%s (%d bytes)", category, file.Filename, len(data))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sample": sample})
}

// ListSamples returns all samples grouped by category.
func (h *AssetsHandler) ListSamples(c *gin.Context) {
	categories, err := h.assets.Samples()
	if err != nil {
		respondAssetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

// DeleteSample removes one sample file and its metadata.
func (h *AssetsHandler) DeleteSample(c *gin.Context) {
	category := c.Param("category")
	filename := c.Param("filename")

	if err := h.assets.DeleteSample(category, filename); err != nil {
		respondAssetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": fmt.Sprintf("%s/%s", category, filename)})
}

// UploadSynthDef stores one compiled SuperCollider SynthDef (.scd).
func (h *AssetsHandler) UploadSynthDef(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	synthdef, err := h.assets.SaveSynthDef(file.Filename, data)
	if err != nil {
		respondAssetError(c, err)
		return
	}

	log.Printf("🎹 SynthDef uploaded: %s (%d bytes)", file.Filename, len(data))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "synthdef": synthdef})
}

// ListSynthDefs returns every stored SynthDef.
func (h *AssetsHandler) ListSynthDefs(c *gin.Context) {
	synthdefs, err := h.assets.SynthDefs()
	if err != nil {
		respondAssetError(c, err)
		return
	}
	c.JSON(http.StatusOK, synthdefs)
}

// DeleteSynthDef removes one SynthDef file.
func (h *AssetsHandler) DeleteSynthDef(c *gin.Context) {
	deleted, err := h.assets.DeleteSynthDef(c.Param("filename"))
	if err != nil {
		respondAssetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": deleted})
}

// Info returns storage totals, limits and paths.
func (h *AssetsHandler) Info(c *gin.Context) {
	info, err := h.assets.Info()
	if err != nil {
		respondAssetError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
