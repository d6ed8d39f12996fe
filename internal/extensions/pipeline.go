package extensions

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/logger"
)

// hookLogInterval throttles send-hook failure logs. A misbehaving hook
// fails on every step, so only the first failure of a burst is logged.
const hookLogInterval = 10 * time.Second

var errNilHookResult = errors.New("send hook returned nil")

// Pipeline holds registered extensions and runs their phases in
// registration order. Register everything during startup, before the
// engine begins ticking; Transform, BeforeSend and MountRoutes may then
// be called from any goroutine.
type Pipeline struct {
	regs []*registration
}

type registration struct {
	name   string
	ext    Extension
	hook   SendHook
	routes RouteProvider

	hookErrs atomic.Uint64
	lastLog  atomic.Int64
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Register appends an extension. Optional capabilities are detected here
// so the per-tick path does no type assertions.
func (p *Pipeline) Register(ext Extension) {
	reg := &registration{name: ext.Name(), ext: ext}
	if h, ok := ext.(SendHook); ok {
		reg.hook = h
	}
	if r, ok := ext.(RouteProvider); ok {
		reg.routes = r
	}
	p.regs = append(p.regs, reg)
	logger.Info("extension registered", logger.Fields{
		"extension": reg.name,
		"send_hook": reg.hook != nil,
		"routes":    reg.routes != nil,
	})
}

// Names lists registered extensions in registration order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.regs))
	for i, reg := range p.regs {
		names[i] = reg.name
	}
	return names
}

// Len returns the number of registered extensions.
func (p *Pipeline) Len() int { return len(p.regs) }

// Transform runs every extension's Transform over the payload in order.
// The first failure aborts the chain and is returned as a *TransformError
// naming the extension; the caller keeps its current session in that case.
func (p *Pipeline) Transform(payload []byte) ([]byte, error) {
	for _, reg := range p.regs {
		next, err := runTransform(reg.ext, payload)
		if err != nil {
			logger.Error("extension transform failed", err, logger.Fields{
				"extension": reg.name,
			})
			return nil, &TransformError{Extension: reg.name, Err: err}
		}
		payload = next
	}
	return payload, nil
}

func runTransform(ext Extension, payload []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ext.Transform(payload)
}

// BeforeSend chains the send hooks of all extensions that declare one.
// A hook that panics or returns nil is skipped and the messages it was
// given flow on unchanged. The signature matches the engine's hook type,
// so the method value can be registered directly.
func (p *Pipeline) BeforeSend(messages []ir.ScheduledMessage, bpm float64, step int) []ir.ScheduledMessage {
	out := messages
	for _, reg := range p.regs {
		if reg.hook == nil {
			continue
		}
		if next, ok := reg.runHook(out, bpm, step); ok {
			out = next
		}
	}
	return out
}

// HookErrorCounts reports accumulated send-hook failures per extension,
// for the metrics endpoint. Extensions without a hook are omitted.
func (p *Pipeline) HookErrorCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	for _, reg := range p.regs {
		if reg.hook != nil {
			counts[reg.name] = reg.hookErrs.Load()
		}
	}
	return counts
}

// MountRoutes attaches each route-providing extension under a group named
// after it, e.g. the superdirt extension serves from /superdirt.
func (p *Pipeline) MountRoutes(r gin.IRouter) {
	for _, reg := range p.regs {
		if reg.routes == nil {
			continue
		}
		reg.routes.Routes(r.Group("/" + reg.name))
		logger.Info("extension routes mounted", logger.Fields{
			"extension": reg.name,
			"prefix":    "/" + reg.name,
		})
	}
}

func (reg *registration) runHook(messages []ir.ScheduledMessage, bpm float64, step int) (out []ir.ScheduledMessage, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			reg.recordHookError(fmt.Errorf("panic: %v", r), step)
			out, ok = nil, false
		}
	}()
	out = reg.hook.BeforeSend(messages, bpm, step)
	if out == nil {
		reg.recordHookError(errNilHookResult, step)
		return nil, false
	}
	return out, true
}

func (reg *registration) recordHookError(err error, step int) {
	count := reg.hookErrs.Add(1)
	if !reg.shouldLog(time.Now()) {
		return
	}
	logger.Warn("extension send hook failed, messages passed through", logger.Fields{
		"extension": reg.name,
		"step":      step,
		"failures":  count,
		"error":     err.Error(),
	})
}

func (reg *registration) shouldLog(now time.Time) bool {
	last := reg.lastLog.Load()
	if now.UnixNano()-last < int64(hookLogInterval) {
		return false
	}
	return reg.lastLog.CompareAndSwap(last, now.UnixNano())
}
