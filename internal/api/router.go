package api

import (
	"net/http"

	"github.com/KengoTobita/oiduna/internal/api/handlers"
	"github.com/KengoTobita/oiduna/internal/api/middleware"
	"github.com/KengoTobita/oiduna/internal/config"
	"github.com/KengoTobita/oiduna/internal/metrics"
	"github.com/KengoTobita/oiduna/internal/output"
	"github.com/KengoTobita/oiduna/internal/scheduler"
	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/gin-gonic/gin"
)

// Deps carries the wired services the router serves. Router, Ports and
// CloudWatch may be nil; their endpoints then degrade gracefully.
type Deps struct {
	Loop       *services.LoopService
	Clients    *services.ClientStore
	Assets     *services.AssetsService
	Router     *scheduler.DestinationRouter
	Ports      func() []output.PortInfo
	CloudWatch *metrics.Client
}

func SetupRouter(deps Deps, cfg *config.Config, version string) *gin.Engine {
	router := gin.New()

	// Recovery middleware (must be first)
	router.Use(middleware.RecoverWithSentry())

	// Sentry middleware for error tracking
	router.Use(middleware.SentryMiddleware())

	// Request tracking and structured logging
	router.Use(middleware.RequestTracking(deps.CloudWatch))

	// CORS middleware
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	// Service banner
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "oiduna",
			"version": version,
			"docs":    "https://github.com/KengoTobita/oiduna",
			"health":  "/health",
		})
	})

	// Health check
	router.GET("/health", handlers.HealthCheck(deps.Loop))

	// Metrics endpoint
	metricsHandler := handlers.NewMetricsHandler(version, deps.Loop, deps.Router)
	router.GET("/metrics", metricsHandler.GetMetrics)

	// SSE event stream
	streamHandler := handlers.NewStreamHandler(deps.Loop.Broker())
	router.GET("/stream", streamHandler.Stream)

	// Transport, session and trigger endpoints
	playback := router.Group("/playback")
	{
		playbackHandler := handlers.NewPlaybackHandler(deps.Loop)
		playback.POST("/session", playbackHandler.LoadSession)
		playback.DELETE("/session", playbackHandler.ClearSession)
		playback.POST("/start", playbackHandler.Start)
		playback.POST("/stop", playbackHandler.Stop)
		playback.POST("/pause", playbackHandler.Pause)
		playback.GET("/status", playbackHandler.Status)
		playback.POST("/bpm", playbackHandler.SetBPM)
		playback.PATCH("/environment", playbackHandler.PatchEnvironment)
		playback.PATCH("/tracks/:id/params", playbackHandler.PatchTrack)
		playback.POST("/trigger/osc", playbackHandler.TriggerOSC)
		playback.POST("/trigger/midi", playbackHandler.TriggerMidi)
		playback.GET("/changes/pending", playbackHandler.PendingChanges)
		playback.DELETE("/changes/:id", playbackHandler.CancelChange)
		playback.POST("/changes/cancel-all", playbackHandler.CancelAllChanges)
	}

	// Session client registry
	session := router.Group("/session")
	{
		clientsHandler := handlers.NewClientsHandler(deps.Clients)
		session.POST("/clients/:client_id/metadata", clientsHandler.SetMetadata)
		session.GET("/clients", clientsHandler.List)
		session.GET("/clients/:client_id", clientsHandler.Get)
		session.DELETE("/clients/:client_id", clientsHandler.Delete)
	}

	// Track listing and mute/solo
	tracks := router.Group("/tracks")
	{
		tracksHandler := handlers.NewTracksHandler(deps.Loop)
		tracks.GET("", tracksHandler.List)
		tracks.GET("/:id", tracksHandler.Get)
		tracks.POST("/:id/mute", tracksHandler.SetMute)
		tracks.POST("/:id/solo", tracksHandler.SetSolo)
	}

	// Scene activation
	scene := router.Group("/scene")
	{
		sceneHandler := handlers.NewSceneHandler(deps.Loop)
		scene.POST("/activate", sceneHandler.Activate)
	}

	// MIDI device management
	midi := router.Group("/midi")
	{
		midiHandler := handlers.NewMidiHandler(deps.Loop, deps.Ports)
		midi.GET("/ports", midiHandler.ListPorts)
		midi.POST("/port", midiHandler.SelectPort)
		midi.POST("/panic", midiHandler.Panic)
	}

	// Sample and SynthDef storage
	assets := router.Group("/assets")
	{
		assetsHandler := handlers.NewAssetsHandler(deps.Assets)
		assets.POST("/samples", assetsHandler.UploadSample)
		assets.GET("/samples", assetsHandler.ListSamples)
		assets.DELETE("/samples/:category/:filename", assetsHandler.DeleteSample)
		assets.POST("/synthdefs", assetsHandler.UploadSynthDef)
		assets.GET("/synthdefs", assetsHandler.ListSynthDefs)
		assets.DELETE("/synthdefs/:filename", assetsHandler.DeleteSynthDef)
		assets.GET("/info", assetsHandler.Info)
	}

	// Extension-provided routes, each under /<extension name>
	if pipeline := deps.Loop.Pipeline(); pipeline != nil {
		pipeline.MountRoutes(router)
	}

	return router
}
