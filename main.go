package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/KengoTobita/oiduna/internal/api"
	"github.com/KengoTobita/oiduna/internal/config"
	"github.com/KengoTobita/oiduna/internal/engine"
	"github.com/KengoTobita/oiduna/internal/extensions"
	"github.com/KengoTobita/oiduna/internal/metrics"
	"github.com/KengoTobita/oiduna/internal/output"
	"github.com/KengoTobita/oiduna/internal/scheduler"
	"github.com/KengoTobita/oiduna/internal/services"
	"github.com/KengoTobita/oiduna/pkg/embedded"
)

const (
	sentryFlushTimeout    = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	environmentProduction = "production"

	// Send failure counters are flushed to CloudWatch at this interval.
	sendFailureFlushInterval = time.Minute
)

// releaseVersion is set via ldflags during build
var releaseVersion = "dev"

// GetVersion returns the current release version
func GetVersion() string {
	return releaseVersion
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := config.Load()

	// Initialize Sentry
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			Release:          "oiduna@" + releaseVersion,                // Use embedded release version
			EnableTracing:    true,                                     // Enable tracing for spans
			TracesSampleRate: 1.0,                                      // 100% sampling for now, adjust based on volume
			EnableLogs:       true,                                     // Enable Sentry Logs feature
			Debug:            cfg.Environment != environmentProduction, // Enable debug in non-prod
			BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
				// Filter out sensitive data
				if event.Request != nil {
					event.Request.Headers = filterSensitiveHeaders(event.Request.Headers)
				}
				return event
			},
		}); err != nil {
			log.Printf("Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s, release: %s)", cfg.Environment, releaseVersion)
			// Flush on shutdown
			defer sentry.Flush(sentryFlushTimeout)
		}
	} else {
		log.Println("⚠️  Sentry not configured (SENTRY_DSN not set)")
	}

	// CloudWatch metrics (enabled in production only)
	cloudwatch, err := metrics.NewClient(context.Background(), cfg.Environment)
	if err != nil {
		log.Printf("⚠️  CloudWatch metrics unavailable: %v", err)
	}

	// MIDI output. No ports is a normal condition on a headless box; the
	// engine keeps running and /midi/port can connect later.
	midiSender := output.NewMidiSender(cfg.MIDIPort)
	if err := midiSender.Connect(); err != nil {
		log.Printf("⚠️  MIDI output not connected: %v", err)
	} else {
		log.Printf("🎹 MIDI output: %s", midiSender.PortName())
	}
	defer output.CloseDriver()

	// Destination registry: OSC and MIDI senders behind the router
	destinations := buildDestinationRouter(cfg, midiSender)
	defer destinations.Close()

	// Engine, extension pipeline, event broker
	broker := services.NewBroker()
	eng := engine.New(scheduler.NewMessageStore(), destinations, midiSender, broker, engine.Options{})

	pipeline := extensions.NewPipeline()
	pipeline.Register(extensions.NewSuperDirt(extensions.SuperDirtConfig{}))

	svc := services.NewLoopService(eng, pipeline, broker)
	svc.Start()

	clients := services.NewClientStore(broker)
	assets := services.NewAssetsService(services.AssetsConfig{
		Root:           cfg.AssetsDir,
		MaxSampleBytes: int64(cfg.MaxSampleSizeMB) << 20,
	})

	// Engine error events flow on to Sentry and CloudWatch
	go monitorEngine(broker, cloudwatch, metrics.NewSentryMetrics(), destinations)

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	router := api.SetupRouter(api.Deps{
		Loop:       svc,
		Clients:    clients,
		Assets:     assets,
		Router:     destinations,
		Ports:      output.PortInfos,
		CloudWatch: cloudwatch,
	}, cfg, GetVersion())

	addr := net.JoinHostPort(cfg.APIHost, cfg.APIPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Serve until a shutdown signal arrives. The engine is stopped before
	// the listener so sounding notes are silenced even when HTTP clients
	// are still attached.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("🚀 Starting server on %s", addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		sentry.CaptureException(err)
		svc.Close()
		log.Fatal("Failed to start server:", err)
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	}

	svc.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown: %v", err)
	}
	log.Println("👋 Stopped")
}

// buildDestinationRouter loads the destination registry and registers a
// sender per entry. Without a DESTINATIONS_FILE the embedded default is
// used with the OSC_* settings applied to the superdirt entry. A "midi"
// destination sharing the engine's output port is always present unless
// the registry defines its own.
func buildDestinationRouter(cfg *config.Config, midiSender *output.MidiSender) *scheduler.DestinationRouter {
	registry := loadDestinations(cfg)
	router := scheduler.NewDestinationRouter()

	for id, dest := range registry.Destinations {
		switch dest.Type {
		case "osc":
			router.Register(id, output.NewOscSender(id, dest.Host, dest.Port, dest.Address, dest.UseBundle))
			log.Printf("📡 OSC destination %q → %s:%d %s", id, dest.Host, dest.Port, dest.Address)
		case "midi":
			sender := output.NewMidiSender(dest.PortName)
			if err := sender.Connect(); err != nil {
				log.Printf("⚠️  MIDI destination %q not connected: %v", id, err)
			}
			router.Register(id, output.NewMidiDestinationSender(id, sender, uint8(dest.DefaultChannel)))
			log.Printf("🎹 MIDI destination %q → %s", id, dest.PortName)
		}
	}

	if !router.Has("midi") {
		router.Register("midi", output.NewMidiDestinationSender("midi", midiSender, 0))
	}
	return router
}

func loadDestinations(cfg *config.Config) *scheduler.DestinationsFile {
	if cfg.DestinationsFile != "" {
		registry, err := scheduler.LoadDestinations(cfg.DestinationsFile)
		if err == nil {
			return registry
		}
		log.Printf("⚠️  Destinations file %s rejected, falling back to defaults: %v", cfg.DestinationsFile, err)
	}

	registry, err := scheduler.ParseDestinations(embedded.DefaultDestinationsYAML)
	if err != nil {
		log.Fatal("Broken embedded destination registry:", err)
	}

	superdirt := registry.Destinations["superdirt"]
	superdirt.Host = cfg.OSCHost
	superdirt.Port = cfg.OSCPort
	superdirt.Address = cfg.OSCAddress
	registry.Destinations["superdirt"] = superdirt
	return registry
}

// monitorEngine forwards engine error events to Sentry and CloudWatch and
// periodically flushes per-destination send failure counts. Returns when
// the broker closes.
func monitorEngine(broker *services.Broker, cloudwatch *metrics.Client, sentryMetrics *metrics.SentryMetrics, destinations *scheduler.DestinationRouter) {
	_, events, cancel := broker.Subscribe()
	defer cancel()

	flush := time.NewTicker(sendFailureFlushInterval)
	defer flush.Stop()

	reported := make(map[string]int64)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Name != "error" {
				continue
			}
			var payload map[string]any
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				continue
			}
			code, _ := payload["code"].(string)
			if code == "" {
				continue
			}
			sentryMetrics.RecordEngineEvent(code, payload)
			cloudwatch.RecordEngineError(code)
			if code == "CLOCK_DRIFT_RESET" {
				if drift, ok := payload["drift_ms"].(float64); ok {
					cloudwatch.RecordDriftReset("step", drift)
				}
			}

		case <-flush.C:
			counts := destinations.ErrorCounts()
			for id, n := range counts {
				if delta := n - reported[id]; delta > 0 {
					cloudwatch.RecordSendFailures(id, int(delta))
				}
			}
			reported = counts
		}
	}
}

func filterSensitiveHeaders(headers map[string]string) map[string]string {
	filtered := make(map[string]string)
	sensitiveKeys := map[string]bool{
		"authorization": true,
		"cookie":        true,
		"x-api-key":     true,
	}

	for k, v := range headers {
		if sensitiveKeys[k] {
			filtered[k] = "[REDACTED]"
		} else {
			filtered[k] = v
		}
	}
	return filtered
}
