package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/KengoTobita/oiduna/internal/engine"
	"github.com/KengoTobita/oiduna/internal/scheduler"
	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

type MetricsHandler struct {
	startTime time.Time
	version   string
	svc       *services.LoopService
	router    *scheduler.DestinationRouter
}

// NewMetricsHandler wires the stats endpoint. router may be nil when no
// destination router is in play (tests).
func NewMetricsHandler(version string, svc *services.LoopService, router *scheduler.DestinationRouter) *MetricsHandler {
	return &MetricsHandler{
		startTime: time.Now(),
		version:   version,
		svc:       svc,
		router:    router,
	}
}

const (
	secondsPerMinute = 60
	secondsPerHour   = 3600
)

// formatUptime formats the uptime duration with seconds rounded to 2 decimal places
func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % secondsPerMinute
	seconds := d.Seconds() - float64(hours*secondsPerHour) - float64(minutes*secondsPerMinute)

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%.2fs", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%.2fs", minutes, seconds)
	}
	return fmt.Sprintf("%.2fs", seconds)
}

type MetricsResponse struct {
	Status    string        `json:"status"`
	Uptime    string        `json:"uptime"`
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version"`
	StartTime string        `json:"start_time"`
	System    SystemMetrics `json:"system"`
	Engine    EngineMetrics `json:"engine"`
}

type SystemMetrics struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	MemAllocMB   uint64 `json:"mem_alloc_mb"`
	MemTotalMB   uint64 `json:"mem_total_mb"`
	NumGC        uint32 `json:"num_gc"`
}

type EngineMetrics struct {
	PlaybackState   engine.PlaybackState `json:"playback_state"`
	BPM             float64              `json:"bpm"`
	Drift           engine.DriftStats    `json:"drift"`
	PendingNoteOffs int                  `json:"pending_note_offs"`
	Stream          services.BrokerStats `json:"stream"`
	SendErrors      map[string]int64     `json:"send_errors,omitempty"`
	HookErrors      map[string]uint64    `json:"extension_hook_errors,omitempty"`
}

const (
	bytesToMB = 1024 * 1024
)

func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(h.startTime)

	eng := h.svc.Engine()
	status, _ := eng.Status()
	drift, _ := eng.Drift()

	engineStats := EngineMetrics{
		PlaybackState:   status.PlaybackState,
		BPM:             status.BPM,
		Drift:           drift,
		PendingNoteOffs: eng.PendingNoteOffs(),
		Stream:          h.svc.Broker().Stats(),
	}
	if h.router != nil {
		engineStats.SendErrors = h.router.ErrorCounts()
	}
	if pipeline := h.svc.Pipeline(); pipeline != nil {
		engineStats.HookErrors = pipeline.HookErrorCounts()
	}

	metrics := MetricsResponse{
		Status:    "healthy",
		Uptime:    formatUptime(uptime),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
		StartTime: h.startTime.UTC().Format(time.RFC3339),
		System: SystemMetrics{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   m.Alloc / bytesToMB,
			MemTotalMB:   m.TotalAlloc / bytesToMB,
			NumGC:        m.NumGC,
		},
		Engine: engineStats,
	}

	c.JSON(http.StatusOK, metrics)
}
