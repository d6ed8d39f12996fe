package services

import (
	"context"
	"time"

	"github.com/KengoTobita/oiduna/internal/engine"
	"github.com/KengoTobita/oiduna/internal/extensions"
	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/logger"
	"github.com/KengoTobita/oiduna/internal/metrics"
)

// LoopService bridges the HTTP layer and the loop engine. It owns the
// session load path (extension transform, decode, engine handoff) and the
// lifecycle of the engine plus the broker. Playback commands go straight
// to the engine; handlers reach it through Engine().
type LoopService struct {
	engine   *engine.LoopEngine
	pipeline *extensions.Pipeline
	broker   *Broker
	metrics  *metrics.SentryMetrics
}

// NewLoopService wires an engine, extension pipeline and broker together.
// The pipeline's send hook is registered here, so call this before
// Start(). pipeline may be nil when no extensions are configured.
func NewLoopService(eng *engine.LoopEngine, pipeline *extensions.Pipeline, broker *Broker) *LoopService {
	if pipeline != nil && pipeline.Len() > 0 {
		eng.RegisterBeforeSend(pipeline.BeforeSend)
	}
	return &LoopService{
		engine:   eng,
		pipeline: pipeline,
		broker:   broker,
		metrics:  metrics.NewSentryMetrics(),
	}
}

// Start launches the engine goroutines.
func (s *LoopService) Start() {
	s.engine.Start()
	logger.Info("loop engine started", nil)
}

// Close stops the engine and disconnects all SSE subscribers.
func (s *LoopService) Close() {
	s.engine.Close()
	if s.broker != nil {
		s.broker.Close()
	}
	logger.Info("loop engine stopped", nil)
}

// Engine exposes the loop engine for playback and patch commands.
func (s *LoopService) Engine() *engine.LoopEngine { return s.engine }

// Broker exposes the event broker for the SSE endpoint.
func (s *LoopService) Broker() *Broker { return s.broker }

// Pipeline exposes the extension pipeline for route mounting and metrics.
func (s *LoopService) Pipeline() *extensions.Pipeline { return s.pipeline }

// LoadSession runs a raw session payload through the extension pipeline,
// decodes it, and hands it to the engine. The current session stays in
// place when any stage fails: a *extensions.TransformError names the
// rejecting extension, a *ir.ValidationError carries the invalid fields.
func (s *LoopService) LoadSession(payload []byte) (engine.ApplyResult, error) {
	start := time.Now()

	if s.pipeline != nil {
		transformed, err := s.pipeline.Transform(payload)
		if err != nil {
			return engine.ApplyResult{}, err
		}
		payload = transformed
	}

	decoded, err := ir.DecodePayload(payload)
	if err != nil {
		return engine.ApplyResult{}, err
	}

	result, err := s.engine.LoadSession(decoded)
	s.metrics.RecordSessionLoad(context.Background(), time.Since(start), err == nil)
	return result, err
}

// ClearSession drops the session, pending changes and the message store.
func (s *LoopService) ClearSession() error {
	return s.engine.ClearSession()
}
