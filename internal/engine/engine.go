// Package engine implements the real-time loop core: a 256-step cursor driven
// by an anchor-based clock, 24 PPQ MIDI clock generation, deferred note-offs,
// boundary-scheduled session changes and the lowering of session events into
// wire messages. All mutable state is owned by a single goroutine; the HTTP
// layer talks to it through commands.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/logger"
	"github.com/KengoTobita/oiduna/internal/scheduler"
)

const (
	stepDriftResetMS = 50.0
	stepDriftWarnMS  = 20.0

	heartbeatInterval = 5 * time.Second

	// More than errorBurstLimit step errors inside errorBurstWindow halts
	// the transport instead of hammering a broken output.
	errorBurstLimit  = 8
	errorBurstWindow = 10 * time.Second

	defaultTriggerDurationMS = 250
)

var (
	ErrEngineClosed   = errors.New("engine is closed")
	ErrTrackNotFound  = errors.New("track not found")
	ErrSceneNotFound  = errors.New("scene not found")
	ErrChangeNotFound = errors.New("pending change not found")
	ErrNotPlaying     = errors.New("transport is not playing")
)

// MidiOutput is the hardware-facing MIDI surface the engine drives. It is
// satisfied by output.MidiSender.
type MidiOutput interface {
	NoteOn(channel, note, velocity uint8) error
	NoteOff(channel, note uint8) error
	ControlChange(channel, controller, value uint8) error
	PitchBend(channel uint8, value int) error
	Aftertouch(channel, value uint8) error
	Clock() error
	Start() error
	Stop() error
	Continue() error
	AllNotesOff()
	Panic()
	Connected() bool
	PortName() string
	SetPort(name string) error
}

// Dispatcher fans wire messages out to their destinations. It is satisfied
// by scheduler.DestinationRouter.
type Dispatcher interface {
	Dispatch(messages []ir.ScheduledMessage)
	Destinations() []string
	Has(id string) bool
}

// Publisher pushes engine events to stream subscribers.
type Publisher interface {
	Publish(event string, data any)
}

// BeforeSendHook rewrites the message batch of one step before dispatch.
type BeforeSendHook func(messages []ir.ScheduledMessage, bpm float64, step int) []ir.ScheduledMessage

// ApplyResult reports how a submitted change was handled: applied on the
// spot, or queued for a boundary under a change id.
type ApplyResult struct {
	Applied  bool           `json:"applied"`
	ChangeID string         `json:"change_id,omitempty"`
	Timing   ir.ApplyTiming `json:"timing"`
}

// DriftStats exposes the drift counters of both clocks.
type DriftStats struct {
	StepResets       int64   `json:"step_resets"`
	StepMaxDriftMS   float64 `json:"step_max_drift_ms"`
	LastResetDriftMS float64 `json:"last_reset_drift_ms"`
	SkippedSteps     int64   `json:"skipped_steps"`
	ClockResets      int64   `json:"clock_resets"`
	ClockMaxDriftMS  float64 `json:"clock_max_drift_ms"`
}

type positionEvent struct {
	Position
	BPM       float64       `json:"bpm"`
	Transport PlaybackState `json:"transport"`
}

type transportSnapshot struct {
	bpm     float64
	playing bool
}

type cmdResult struct {
	value any
	err   error
}

type command struct {
	run   func() (any, error)
	reply chan cmdResult
}

// Options tunes engine wiring.
type Options struct {
	// DefaultDestination receives lowered audio events. Defaults to
	// "superdirt".
	DefaultDestination string
}

// LoopEngine owns the transport, the runtime session and the step loop.
type LoopEngine struct {
	state      *RuntimeState
	store      *scheduler.MessageStore
	router     Dispatcher
	midi       MidiOutput
	publisher  Publisher
	applySched *ApplyScheduler
	noteOffs   *NoteOffScheduler
	clock      *ClockGenerator

	// beforeSend hooks run per step in registration order. Fixed before
	// Start; never mutated afterwards.
	beforeSend []BeforeSendHook

	defaultDestination string

	commands chan command
	done     chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	closed   sync.Once

	// transport mirrors bpm and playing for the clock goroutine.
	transport atomic.Pointer[transportSnapshot]

	// Step-loop timing. Engine goroutine only.
	anchor           time.Time
	stepCount        int64
	suppressReset    bool
	stepResets       int64
	stepMaxDriftMS   float64
	lastResetDriftMS float64
	skippedSteps     int64

	recentErrors []time.Time
}

// New wires a loop engine. Start must be called before any operation.
func New(store *scheduler.MessageStore, router Dispatcher, midi MidiOutput, publisher Publisher, opts Options) *LoopEngine {
	dest := opts.DefaultDestination
	if dest == "" {
		dest = "superdirt"
	}
	e := &LoopEngine{
		state:              NewRuntimeState(),
		store:              store,
		router:             router,
		midi:               midi,
		publisher:          publisher,
		applySched:         NewApplyScheduler(),
		noteOffs:           NewNoteOffScheduler(midi),
		clock:              NewClockGenerator(midi),
		defaultDestination: dest,
		commands:           make(chan command),
		done:               make(chan struct{}),
	}
	e.updateTransport()
	return e
}

// RegisterBeforeSend appends a hook to the per-step pipeline. Must be called
// before Start.
func (e *LoopEngine) RegisterBeforeSend(hook BeforeSendHook) {
	e.beforeSend = append(e.beforeSend, hook)
}

// Start launches the engine, clock, note-off and heartbeat goroutines.
func (e *LoopEngine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(4)
	go e.commandLoop()
	go func() {
		defer e.wg.Done()
		e.clock.Run(e.done, e.transportState)
	}()
	go func() {
		defer e.wg.Done()
		e.noteOffs.Run(e.done)
	}()
	go e.heartbeatLoop()
	logger.Info("loop engine started", logger.Fields{
		"bpm":         e.state.BPM(),
		"destination": e.defaultDestination,
	})
}

// Close stops playback, silences pending notes and shuts every goroutine
// down. Safe to call more than once.
func (e *LoopEngine) Close() {
	e.closed.Do(func() {
		if e.started.Load() {
			_, _ = e.do(func() (any, error) {
				e.stopTransport()
				return nil, nil
			})
		}
		close(e.done)
		e.wg.Wait()
		logger.Info("loop engine stopped", nil)
	})
}

func (e *LoopEngine) transportState() (float64, bool) {
	snap := e.transport.Load()
	if snap == nil {
		return 0, false
	}
	return snap.bpm, snap.playing
}

func (e *LoopEngine) updateTransport() {
	e.transport.Store(&transportSnapshot{
		bpm:     e.state.BPM(),
		playing: e.state.Playing(),
	})
}

// do runs fn on the engine goroutine and waits for its result.
func (e *LoopEngine) do(fn func() (any, error)) (any, error) {
	cmd := command{run: fn, reply: make(chan cmdResult, 1)}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return nil, ErrEngineClosed
	}
	select {
	case res := <-cmd.reply:
		return res.value, res.err
	case <-e.done:
		return nil, ErrEngineClosed
	}
}

func (e *LoopEngine) commandLoop() {
	defer e.wg.Done()
	for {
		var timer *time.Timer
		var tickC <-chan time.Time
		if e.state.Playing() {
			timer = time.NewTimer(e.untilNextTick())
			tickC = timer.C
		}
		select {
		case <-e.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case cmd := <-e.commands:
			if timer != nil {
				timer.Stop()
			}
			value, err := cmd.run()
			cmd.reply <- cmdResult{value: value, err: err}
		case <-tickC:
			e.tick()
		}
	}
}

// stepTarget is the wall-clock time the current step should fire, including
// the swing delay on off-beat 16ths.
func (e *LoopEngine) stepTarget(stepDur time.Duration) time.Time {
	target := e.anchor.Add(time.Duration(e.stepCount) * stepDur)
	swing := e.state.Session().Environment.Swing
	if swing > 0 && e.state.Position().Step%2 == 1 {
		target = target.Add(time.Duration(swing * float64(stepDur) / 2))
	}
	return target
}

func (e *LoopEngine) untilNextTick() time.Duration {
	if e.anchor.IsZero() {
		return 0
	}
	wait := time.Until(e.stepTarget(e.state.StepDuration()))
	if wait < 0 {
		return 0
	}
	return wait
}

// tick runs one step of the loop: drift check, processing, advance.
func (e *LoopEngine) tick() {
	if !e.state.Playing() {
		return
	}
	now := time.Now()
	stepDur := e.state.StepDuration()
	if e.anchor.IsZero() {
		e.anchor = now
		e.stepCount = 0
	}

	driftMS := float64(now.Sub(e.stepTarget(stepDur))) / float64(time.Millisecond)
	if math.Abs(driftMS) > e.stepMaxDriftMS {
		e.stepMaxDriftMS = math.Abs(driftMS)
	}

	if math.Abs(driftMS) > stepDriftResetMS {
		if e.suppressReset {
			e.suppressReset = false
			e.anchor = now
			e.stepCount = 0
			logger.Debug("step clock re-anchored after tempo change", logger.Fields{
				"drift_ms": driftMS,
			})
			return
		}
		e.handleDriftReset(driftMS, now, stepDur)
		return
	}
	if math.Abs(driftMS) > stepDriftWarnMS {
		logger.Debug("step clock drift warning", logger.Fields{
			"drift_ms": driftMS,
			"step":     e.state.Position().Step,
		})
	}

	e.processStep(now)

	e.stepCount++
	e.state.AdvancePosition(e.loopSteps())
	e.applySched.NoteStep(e.state.Position().Step)
}

// handleDriftReset re-anchors after a stall. The step count restarts at one
// so the loop sleeps a full step before processing again; without that a
// stalled scheduler would reset every tick.
func (e *LoopEngine) handleDriftReset(driftMS float64, now time.Time, stepDur time.Duration) {
	skipped := int64(math.Abs(driftMS) / (float64(stepDur) / float64(time.Millisecond)))
	e.stepResets++
	e.lastResetDriftMS = driftMS
	e.skippedSteps += skipped

	logger.Warn("step clock drift exceeded threshold, re-anchoring", logger.Fields{
		"drift_ms":      driftMS,
		"skipped_steps": skipped,
		"resets":        e.stepResets,
	})
	e.publisher.Publish("error", map[string]any{
		"code":     "CLOCK_DRIFT_RESET",
		"message":  fmt.Sprintf("step clock drifted %.1fms, timing re-anchored", driftMS),
		"drift_ms": driftMS,
	})

	e.anchor = now
	e.stepCount = 1
}

// loopSteps is where the cursor wraps: the batch's active length when a flat
// batch is loaded, the full loop otherwise.
func (e *LoopEngine) loopSteps() int {
	if e.store.MessageCount() > 0 {
		return e.store.ActiveSteps()
	}
	return ir.LoopSteps
}

// processStep emits everything the current step owes: pending changes,
// batch and session messages through the hook pipeline, MIDI notes and
// modulations, and the periodic stream updates.
func (e *LoopEngine) processStep(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.recordStepError(fmt.Errorf("step processing panic: %v", r))
		}
	}()

	step := e.state.Position().Step
	e.applyDueChanges(step, now)
	bpm := e.state.BPM()

	var immediate []ir.ScheduledMessage
	if e.store.MessageCount() > 0 {
		immediate = append(immediate, e.store.MessagesAt(step)...)
	}

	lowered := lowerStep(e.state, e.defaultDestination)
	var deferred map[time.Duration][]ir.ScheduledMessage
	for _, tm := range lowered.osc {
		if tm.delay <= 0 {
			immediate = append(immediate, tm.msg)
			continue
		}
		if deferred == nil {
			deferred = make(map[time.Duration][]ir.ScheduledMessage)
		}
		deferred[tm.delay] = append(deferred[tm.delay], tm.msg)
	}

	if len(immediate) > 0 {
		if batch := e.runBeforeSend(immediate, bpm, step); len(batch) > 0 {
			e.router.Dispatch(batch)
		}
	}
	for delay, msgs := range deferred {
		batch := e.runBeforeSend(msgs, bpm, step)
		if len(batch) == 0 {
			continue
		}
		time.AfterFunc(delay, func() { e.router.Dispatch(batch) })
	}

	for _, n := range lowered.notes {
		e.playNote(n, now)
	}
	for _, cc := range lowered.ccs {
		_ = e.midi.ControlChange(cc.channel, cc.cc, cc.value)
	}
	for _, pb := range lowered.pitchBends {
		_ = e.midi.PitchBend(pb.channel, int(pb.value))
	}
	for _, at := range lowered.aftertouches {
		_ = e.midi.Aftertouch(at.channel, at.value)
	}

	if step%ir.StepsPerBeat == 0 {
		e.publisher.Publish("position", positionEvent{
			Position:  e.state.Position(),
			BPM:       bpm,
			Transport: e.state.Playback(),
		})
	}
	if step%ir.StepsPerBar == 0 {
		e.publishTracks()
	}
}

func (e *LoopEngine) playNote(n midiNoteEvent, now time.Time) {
	dur := time.Duration(n.durationMS) * time.Millisecond
	if n.delay > 0 {
		time.AfterFunc(n.delay, func() {
			if e.midi.NoteOn(n.channel, n.note, n.velocity) == nil {
				e.noteOffs.Schedule(n.channel, n.note, time.Now().Add(dur))
			}
		})
		return
	}
	if e.midi.NoteOn(n.channel, n.note, n.velocity) == nil {
		e.noteOffs.Schedule(n.channel, n.note, now.Add(dur))
	}
}

func (e *LoopEngine) runBeforeSend(messages []ir.ScheduledMessage, bpm float64, step int) []ir.ScheduledMessage {
	for _, hook := range e.beforeSend {
		messages = e.safeBeforeSend(hook, messages, bpm, step)
	}
	return messages
}

// safeBeforeSend isolates a panicking hook: the batch goes out untransformed
// instead of killing the step.
func (e *LoopEngine) safeBeforeSend(hook BeforeSendHook, messages []ir.ScheduledMessage, bpm float64, step int) (out []ir.ScheduledMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("before-send hook panicked, batch sent untransformed", logger.Fields{
				"step":  step,
				"panic": fmt.Sprint(r),
			})
			out = messages
		}
	}()
	return hook(messages, bpm, step)
}

func (e *LoopEngine) applyDueChanges(step int, now time.Time) {
	due := e.applySched.TakeDue(step, now)
	if len(due) == 0 {
		return
	}
	prevBPM := e.state.BPM()
	for _, pc := range due {
		pc.apply(e.state)
		logger.Info("pending change applied", logger.Fields{
			"change_id": pc.ID,
			"kind":      string(pc.Kind),
			"timing":    string(pc.Timing),
			"step":      step,
		})
	}
	if e.state.BPM() != prevBPM {
		e.onBPMChanged()
	}
	e.updateTransport()
	e.publishStatus()
	e.publishTracks()
}

// onBPMChanged re-anchors both clocks at the new tempo. The next drift check
// is suppressed because drift against the old grid is expected.
func (e *LoopEngine) onBPMChanged() {
	if e.state.Playing() {
		e.anchor = time.Now()
		e.stepCount = 0
		e.suppressReset = true
		e.clock.NotifyBPMChange()
	}
	e.updateTransport()
}

func (e *LoopEngine) recordStepError(err error) {
	step := e.state.Position().Step
	logger.Error("step processing failed", err, logger.Fields{"step": step})
	e.publisher.Publish("error", map[string]any{
		"code":    "STEP_ERROR",
		"message": err.Error(),
		"step":    step,
	})

	now := time.Now()
	cutoff := now.Add(-errorBurstWindow)
	kept := e.recentErrors[:0]
	for _, t := range e.recentErrors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.recentErrors = append(kept, now)

	if len(e.recentErrors) > errorBurstLimit {
		logger.Error("repeated step errors, halting transport", err, logger.Fields{
			"errors": len(e.recentErrors),
			"window": errorBurstWindow.String(),
		})
		e.stopTransport()
		e.publisher.Publish("error", map[string]any{
			"code":    "ENGINE_HALTED",
			"message": fmt.Sprintf("transport halted after %d step errors in %s", len(e.recentErrors), errorBurstWindow),
		})
		e.recentErrors = nil
	}
}

// --- transport, engine goroutine ---

func (e *LoopEngine) playTransport() {
	switch e.state.Playback() {
	case StatePlaying:
		return
	case StateStopped:
		e.anchor = time.Time{}
		e.stepCount = 0
		e.state.setPlayback(StatePlaying)
		_ = e.midi.Start()
	case StatePaused:
		// Resume keeps the position; the anchor restarts at the current step.
		e.anchor = time.Time{}
		e.stepCount = 0
		e.state.setPlayback(StatePlaying)
		_ = e.midi.Continue()
	}
	e.updateTransport()
	e.publishStatus()
	logger.Info("playback started", logger.Fields{
		"bpm":  e.state.BPM(),
		"step": e.state.Position().Step,
	})
}

func (e *LoopEngine) stopTransport() {
	if e.state.Playback() == StateStopped {
		return
	}
	wasPlaying := e.state.Playing()
	e.state.setPlayback(StateStopped)
	e.noteOffs.FlushAll()
	if wasPlaying {
		_ = e.midi.Stop()
	}
	e.state.ResetPosition()
	e.anchor = time.Time{}
	e.stepCount = 0
	e.updateTransport()
	e.publishStatus()
	logger.Info("playback stopped", nil)
}

func (e *LoopEngine) pauseTransport() error {
	if e.state.Playback() != StatePlaying {
		return fmt.Errorf("%w: cannot pause from %s", ErrNotPlaying, e.state.Playback())
	}
	e.state.setPlayback(StatePaused)
	e.noteOffs.FlushAll()
	// Stop the external clock so resume can send Continue.
	_ = e.midi.Stop()
	e.anchor = time.Time{}
	e.stepCount = 0
	e.updateTransport()
	e.publishStatus()
	logger.Info("playback paused", logger.Fields{"step": e.state.Position().Step})
	return nil
}

// --- public API, each runs on the engine goroutine ---

// Play starts or resumes the transport. Idempotent while playing.
func (e *LoopEngine) Play() (StatusSnapshot, error) {
	return e.statusCommand(func() error {
		e.playTransport()
		return nil
	})
}

// StopPlayback stops the transport, silences pending notes and resets the
// position. Idempotent while stopped.
func (e *LoopEngine) StopPlayback() (StatusSnapshot, error) {
	return e.statusCommand(func() error {
		e.stopTransport()
		return nil
	})
}

// Pause suspends the transport keeping the position. Only valid while
// playing.
func (e *LoopEngine) Pause() (StatusSnapshot, error) {
	return e.statusCommand(e.pauseTransport)
}

// Panic silences everything and stops the transport.
func (e *LoopEngine) Panic() (StatusSnapshot, error) {
	return e.statusCommand(func() error {
		e.midi.Panic()
		e.noteOffs.FlushAll()
		e.state.setPlayback(StateStopped)
		e.state.ResetPosition()
		e.anchor = time.Time{}
		e.stepCount = 0
		e.updateTransport()
		e.publishStatus()
		logger.Warn("panic: outputs silenced, transport stopped", nil)
		return nil
	})
}

// MidiPanic silences MIDI output without touching the transport.
func (e *LoopEngine) MidiPanic() error {
	_, err := e.do(func() (any, error) {
		e.midi.Panic()
		e.noteOffs.FlushAll()
		logger.Info("MIDI panic: all notes silenced", nil)
		return nil, nil
	})
	return err
}

func (e *LoopEngine) statusCommand(fn func() error) (StatusSnapshot, error) {
	v, err := e.do(func() (any, error) {
		if err := fn(); err != nil {
			return nil, err
		}
		return e.state.Status(e.applySched.HasPending()), nil
	})
	if err != nil {
		return StatusSnapshot{}, err
	}
	return v.(StatusSnapshot), nil
}

// Status returns the transport snapshot.
func (e *LoopEngine) Status() (StatusSnapshot, error) {
	return e.statusCommand(func() error { return nil })
}

// SetBPM clamps and applies a new tempo immediately, re-anchoring both
// clocks.
func (e *LoopEngine) SetBPM(bpm float64) (float64, error) {
	v, err := e.do(func() (any, error) {
		applied := e.state.SetBPM(bpm)
		e.onBPMChanged()
		e.publishStatus()
		logger.Info("tempo changed", logger.Fields{"bpm": applied})
		return applied, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// LoadSession applies a decoded payload. Structured sessions replace the
// session; flat batches replace the message store and adopt the batch tempo.
// While playing, non-immediate timings queue the load on its boundary.
func (e *LoopEngine) LoadSession(payload *ir.Payload) (ApplyResult, error) {
	v, err := e.do(func() (any, error) {
		if payload.Batch != nil {
			batch := payload.Batch
			return e.applyOrSchedule(ChangeSession, ir.ApplyNow, nil, "", func(st *RuntimeState) {
				st.SetBPM(batch.BPM)
				e.store.LoadBatch(batch)
			}), nil
		}

		session := payload.Session
		apply := session.Apply
		timing := ir.ApplyBar
		var trackIDs []string
		sceneName := ""
		if apply != nil {
			if apply.Timing.Valid() {
				timing = apply.Timing
			}
			trackIDs = apply.TrackIDs
			sceneName = apply.SceneName
		}

		return e.applyOrSchedule(ChangeSession, timing, trackIDs, sceneName, func(st *RuntimeState) {
			if len(trackIDs) > 0 {
				st.LoadExclusive(session, trackIDs)
			} else {
				st.ReplaceSession(session)
			}
			if sceneName != "" {
				st.ActivateScene(sceneName)
			}
		}), nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return v.(ApplyResult), nil
}

// ClearSession drops the session and the message batch, returning to the
// default environment. Stops nothing by itself.
func (e *LoopEngine) ClearSession() error {
	_, err := e.do(func() (any, error) {
		e.store.Clear()
		e.applySched.CancelAll()
		e.state.ReplaceSession(&ir.Session{Environment: ir.DefaultEnvironment()})
		e.updateTransport()
		e.publishStatus()
		e.publishTracks()
		logger.Info("session cleared", nil)
		return nil, nil
	})
	return err
}

// PatchEnvironment merges a partial environment update at the given timing.
func (e *LoopEngine) PatchEnvironment(patch EnvironmentPatch, timing ir.ApplyTiming) (ApplyResult, error) {
	v, err := e.do(func() (any, error) {
		return e.applyOrSchedule(ChangeEnvironment, timing, nil, "", func(st *RuntimeState) {
			st.ApplyEnvironmentPatch(patch)
		}), nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return v.(ApplyResult), nil
}

// PatchTrack merges a partial track update at the given timing. The track
// must exist when the patch is submitted.
func (e *LoopEngine) PatchTrack(trackID string, patch TrackPatch, timing ir.ApplyTiming) (ApplyResult, error) {
	v, err := e.do(func() (any, error) {
		if !e.state.Session().HasTrack(trackID) {
			return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		return e.applyOrSchedule(ChangeTrack, timing, []string{trackID}, "", func(st *RuntimeState) {
			st.ApplyTrackPatch(trackID, patch)
		}), nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return v.(ApplyResult), nil
}

// ActivateScene merges a scene into the session. The default timing is the
// next bar.
func (e *LoopEngine) ActivateScene(name string, timing ir.ApplyTiming) (ApplyResult, error) {
	v, err := e.do(func() (any, error) {
		if _, ok := e.state.Session().Scenes[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, name)
		}
		if !timing.Valid() {
			timing = ir.ApplyBar
		}
		return e.applyOrSchedule(ChangeScene, timing, nil, name, func(st *RuntimeState) {
			st.ActivateScene(name)
		}), nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return v.(ApplyResult), nil
}

// applyOrSchedule applies a change immediately when the transport is stopped
// or the timing is "now"; otherwise it queues the change for its boundary.
// Boundaries have no meaning while the cursor is not moving.
func (e *LoopEngine) applyOrSchedule(kind ChangeKind, timing ir.ApplyTiming, trackIDs []string, sceneName string, apply func(*RuntimeState)) ApplyResult {
	if !e.state.Playing() || timing == ir.ApplyNow {
		prevBPM := e.state.BPM()
		apply(e.state)
		if e.state.BPM() != prevBPM {
			e.onBPMChanged()
		}
		e.updateTransport()
		e.publishStatus()
		e.publishTracks()
		return ApplyResult{Applied: true, Timing: ir.ApplyNow}
	}
	pc := e.applySched.Schedule(kind, timing, apply)
	pc.TrackIDs = trackIDs
	pc.SceneName = sceneName
	logger.Info("change scheduled", logger.Fields{
		"change_id": pc.ID,
		"kind":      string(kind),
		"timing":    string(timing),
	})
	return ApplyResult{ChangeID: pc.ID, Timing: timing}
}

// MuteTrack sets a track's mute flag immediately.
func (e *LoopEngine) MuteTrack(trackID string, mute bool) (StatusSnapshot, error) {
	return e.statusCommand(func() error {
		if !e.state.SetTrackMute(trackID, mute) {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		e.publishTracks()
		return nil
	})
}

// SoloTrack sets a track's solo flag immediately.
func (e *LoopEngine) SoloTrack(trackID string, solo bool) (StatusSnapshot, error) {
	return e.statusCommand(func() error {
		if !e.state.SetTrackSolo(trackID, solo) {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		e.publishTracks()
		return nil
	})
}

// Tracks returns the full track listing.
func (e *LoopEngine) Tracks() ([]TrackStatus, error) {
	v, err := e.do(func() (any, error) {
		return e.state.TrackStatuses(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]TrackStatus), nil
}

// TriggerTrack fires one audio event immediately, outside the sequence.
func (e *LoopEngine) TriggerTrack(trackID string, velocity float64, note *int) error {
	_, err := e.do(func() (any, error) {
		session := e.state.Session()
		track, ok := session.Tracks[trackID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		step := e.state.Position().Step
		bpm := e.state.BPM()
		event := ir.Event{
			Step:     step,
			Velocity: clampFloat(velocity, 0, 1),
			Note:     note,
			Gate:     session.Environment.DefaultGate,
		}
		line := session.MixerLineFor(trackID)
		msg := buildAudioMessage(track, event, step, ir.Cycle(step), ir.CyclesPerSecond(bpm), line, 1.0, e.defaultDestination)
		if batch := e.runBeforeSend([]ir.ScheduledMessage{msg}, bpm, step); len(batch) > 0 {
			e.router.Dispatch(batch)
		}
		return nil, nil
	})
	return err
}

// TriggerMidiNote fires one MIDI note immediately, outside the sequence.
func (e *LoopEngine) TriggerMidiNote(trackID string, note int, velocity float64, durationMS int) error {
	_, err := e.do(func() (any, error) {
		track, ok := e.state.Session().TracksMidi[trackID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		if durationMS <= 0 {
			durationMS = defaultTriggerDurationMS
		}
		channel := track.Channel & 0x0F
		pitch := uint8(clampInt(note+track.Transpose, 0, 127))
		vel := uint8(clampInt(int(clampFloat(velocity, 0, 1)*float64(track.Velocity)), 0, 127))
		if err := e.midi.NoteOn(channel, pitch, vel); err != nil {
			return nil, err
		}
		e.noteOffs.Schedule(channel, pitch, time.Now().Add(time.Duration(durationMS)*time.Millisecond))
		return nil, nil
	})
	return err
}

// SetMidiPort switches the MIDI output port.
func (e *LoopEngine) SetMidiPort(name string) error {
	_, err := e.do(func() (any, error) {
		return nil, e.midi.SetPort(name)
	})
	return err
}

// PendingChanges lists queued changes plus recently applied ones.
func (e *LoopEngine) PendingChanges() ([]ChangeInfo, error) {
	v, err := e.do(func() (any, error) {
		return e.applySched.Pending(time.Now()), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ChangeInfo), nil
}

// CancelChange drops one queued change by id.
func (e *LoopEngine) CancelChange(id string) error {
	_, err := e.do(func() (any, error) {
		if !e.applySched.Cancel(id) {
			return nil, fmt.Errorf("%w: %s", ErrChangeNotFound, id)
		}
		logger.Info("pending change cancelled", logger.Fields{"change_id": id})
		return nil, nil
	})
	return err
}

// CancelAllChanges drops every queued change and returns how many.
func (e *LoopEngine) CancelAllChanges() (int, error) {
	v, err := e.do(func() (any, error) {
		n := e.applySched.CancelAll()
		if n > 0 {
			logger.Info("pending changes cancelled", logger.Fields{"count": n})
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// PendingNoteOffs reports how many scheduled note-offs are waiting. Safe to
// call without an engine command; the scheduler carries its own lock.
func (e *LoopEngine) PendingNoteOffs() int {
	return e.noteOffs.PendingCount()
}

// Drift returns the drift counters of both clocks.
func (e *LoopEngine) Drift() (DriftStats, error) {
	v, err := e.do(func() (any, error) {
		clockResets, clockMax := e.clock.Stats()
		return DriftStats{
			StepResets:       e.stepResets,
			StepMaxDriftMS:   e.stepMaxDriftMS,
			LastResetDriftMS: e.lastResetDriftMS,
			SkippedSteps:     e.skippedSteps,
			ClockResets:      clockResets,
			ClockMaxDriftMS:  clockMax,
		}, nil
	})
	if err != nil {
		return DriftStats{}, err
	}
	return v.(DriftStats), nil
}

func (e *LoopEngine) publishStatus() {
	e.publisher.Publish("status", e.state.Status(e.applySched.HasPending()))
}

func (e *LoopEngine) publishTracks() {
	e.publisher.Publish("tracks", e.state.TrackPatterns())
}

// heartbeatLoop publishes liveness and watches for output connection loss.
// Edges are detected against the previous observation so a missing device at
// startup does not alarm.
func (e *LoopEngine) heartbeatLoop() {
	defer e.wg.Done()
	prevMidi := e.midi.Connected()
	prevOSC := e.router.Has(e.defaultDestination)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			midiUp := e.midi.Connected()
			if prevMidi && !midiUp {
				logger.Warn("MIDI output connection lost", logger.Fields{"port": e.midi.PortName()})
				e.publisher.Publish("error", map[string]any{
					"code":    "CONNECTION_LOST_MIDI",
					"message": "MIDI output disconnected",
				})
			}
			prevMidi = midiUp

			oscUp := e.router.Has(e.defaultDestination)
			if prevOSC && !oscUp {
				logger.Warn("OSC destination unregistered", logger.Fields{"destination": e.defaultDestination})
				e.publisher.Publish("error", map[string]any{
					"code":    "CONNECTION_LOST_OSC",
					"message": "OSC destination unavailable",
				})
			}
			prevOSC = oscUp

			e.publisher.Publish("heartbeat", map[string]any{
				"timestamp": time.Now().UnixMilli(),
			})
		}
	}
}
