package output

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	// DIAGNOSTIC-TEMP: _ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/KengoTobita/oiduna/internal/logger"
)

const (
	ccAllSoundOff = 120
	ccAllNotesOff = 123
)

// ErrNotConnected is returned by send methods while no output port is open.
var ErrNotConnected = errors.New("midi: output not connected")

type noteKey struct {
	channel uint8
	note    uint8
}

// MidiSender owns at most one open MIDI output port and serializes all sends
// through it. Sounding notes are tracked so AllNotesOff and Panic can silence
// exactly what this process started. A failed send degrades the sender to the
// disconnected state with a single warning; callers keep working and get
// ErrNotConnected until Connect or SetPort succeeds again.
type MidiSender struct {
	mu          sync.Mutex
	portName    string
	out         drivers.Out
	send        func(midi.Message) error
	activeNotes map[noteKey]uint8
}

// NewMidiSender creates a disconnected sender. portName may be empty, in
// which case Connect picks the first available output port.
func NewMidiSender(portName string) *MidiSender {
	return &MidiSender{
		portName:    portName,
		activeNotes: make(map[noteKey]uint8),
	}
}

// Ports lists the names of all MIDI output ports currently visible.
func Ports() []string {
	outs := midi.GetOutPorts()
	names := make([]string, 0, len(outs))
	for _, out := range outs {
		names = append(names, out.String())
	}
	return names
}

// CloseDriver releases the MIDI driver and every port it opened. Call once
// at process exit.
func CloseDriver() {
	midi.CloseDriver()
}

// PortInfo describes one MIDI port visible to the process.
type PortInfo struct {
	Name     string `json:"name"`
	IsInput  bool   `json:"is_input"`
	IsOutput bool   `json:"is_output"`
}

// PortInfos lists every visible MIDI port, inputs and outputs as separate
// entries.
func PortInfos() []PortInfo {
	ins := midi.GetInPorts()
	outs := midi.GetOutPorts()
	ports := make([]PortInfo, 0, len(ins)+len(outs))
	for _, in := range ins {
		ports = append(ports, PortInfo{Name: in.String(), IsInput: true})
	}
	for _, out := range outs {
		ports = append(ports, PortInfo{Name: out.String(), IsOutput: true})
	}
	return ports
}

func (m *MidiSender) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked()
}

func (m *MidiSender) connectLocked() error {
	m.closeLocked()

	outs := midi.GetOutPorts()
	if len(outs) == 0 {
		return errors.New("midi: no output ports available")
	}

	var out drivers.Out
	if m.portName == "" {
		out = outs[0]
	} else {
		found, err := midi.FindOutPort(m.portName)
		if err != nil {
			return fmt.Errorf("midi: port %q not found", m.portName)
		}
		out = found
	}

	send, err := midi.SendTo(out)
	if err != nil {
		return fmt.Errorf("midi: open port %s: %w", out.String(), err)
	}

	m.out = out
	m.send = send
	logger.Info("MIDI connected", logger.Fields{"port": out.String()})
	return nil
}

// Disconnect silences tracked notes and closes the port.
func (m *MidiSender) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out == nil && m.send == nil {
		return
	}
	m.allNotesOffLocked()
	port := m.portNameLocked()
	m.closeLocked()
	logger.Info("MIDI disconnected", logger.Fields{"port": port})
}

// SetPort switches to a different output port. The current port is silenced
// and closed first; on failure the sender stays disconnected.
func (m *MidiSender) SetPort(portName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.send != nil {
		m.allNotesOffLocked()
	}
	m.portName = portName
	return m.connectLocked()
}

func (m *MidiSender) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.send != nil
}

func (m *MidiSender) PortName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portNameLocked()
}

func (m *MidiSender) portNameLocked() string {
	if m.out != nil {
		return m.out.String()
	}
	return m.portName
}

func (m *MidiSender) closeLocked() {
	if m.out != nil {
		_ = m.out.Close()
	}
	m.out = nil
	m.send = nil
}

func (m *MidiSender) submit(msg midi.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitLocked(msg)
}

func (m *MidiSender) submitLocked(msg midi.Message) error {
	if m.send == nil {
		return ErrNotConnected
	}
	if err := m.send(msg); err != nil {
		logger.Warn("MIDI output lost, entering disconnected state", logger.Fields{
			"port":  m.portNameLocked(),
			"error": err.Error(),
		})
		m.closeLocked()
		return err
	}
	return nil
}

func (m *MidiSender) NoteOn(channel, note, velocity uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, note, velocity = channel&0x0F, note&0x7F, velocity&0x7F
	if err := m.submitLocked(midi.NoteOn(channel, note, velocity)); err != nil {
		return err
	}
	m.activeNotes[noteKey{channel, note}] = velocity
	return nil
}

func (m *MidiSender) NoteOff(channel, note uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, note = channel&0x0F, note&0x7F
	err := m.submitLocked(midi.NoteOff(channel, note))
	delete(m.activeNotes, noteKey{channel, note})
	return err
}

func (m *MidiSender) ControlChange(channel, controller, value uint8) error {
	return m.submit(midi.ControlChange(channel&0x0F, controller&0x7F, value&0x7F))
}

// PitchBend clamps value to the 14-bit signed range -8192..8191.
func (m *MidiSender) PitchBend(channel uint8, value int) error {
	return m.submit(midi.Pitchbend(channel&0x0F, clampPitchBend(value)))
}

func (m *MidiSender) Aftertouch(channel, value uint8) error {
	return m.submit(midi.AfterTouch(channel&0x0F, value&0x7F))
}

func (m *MidiSender) Clock() error    { return m.submit(midi.TimingClock()) }
func (m *MidiSender) Start() error    { return m.submit(midi.Start()) }
func (m *MidiSender) Stop() error     { return m.submit(midi.Stop()) }
func (m *MidiSender) Continue() error { return m.submit(midi.Continue()) }

// AllNotesOff sends note-offs for every tracked sounding note.
func (m *MidiSender) AllNotesOff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allNotesOffLocked()
}

func (m *MidiSender) allNotesOffLocked() {
	for key := range m.activeNotes {
		_ = m.submitLocked(midi.NoteOff(key.channel, key.note))
	}
	m.activeNotes = make(map[noteKey]uint8)
}

// Panic sends All Notes Off and All Sound Off on every channel, then
// explicit note-offs for anything still tracked. Safe to call repeatedly.
func (m *MidiSender) Panic() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := uint8(0); ch < 16; ch++ {
		_ = m.submitLocked(midi.ControlChange(ch, ccAllNotesOff, 0))
		_ = m.submitLocked(midi.ControlChange(ch, ccAllSoundOff, 0))
	}
	m.allNotesOffLocked()
}

// ActiveNotes reports how many notes are currently tracked as sounding.
func (m *MidiSender) ActiveNotes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeNotes)
}

func clampPitchBend(value int) int16 {
	if value < -8192 {
		value = -8192
	}
	if value > 8191 {
		value = 8191
	}
	return int16(value)
}

// MidiDestinationSender adapts a MidiSender to the destination router.
// The params shape selects the message form:
//
//	{note, velocity, duration_ms, channel}  note on, note off after duration
//	{cc, value, channel}                    control change
//	{pitch_bend, channel}                   pitch bend
//
// channel falls back to the destination's default_channel.
type MidiDestinationSender struct {
	id             string
	defaultChannel uint8
	midi           *MidiSender
}

func NewMidiDestinationSender(id string, midi *MidiSender, defaultChannel uint8) *MidiDestinationSender {
	return &MidiDestinationSender{
		id:             id,
		defaultChannel: defaultChannel & 0x0F,
		midi:           midi,
	}
}

func (s *MidiDestinationSender) Name() string {
	return s.id
}

func (s *MidiDestinationSender) SendBatch(batch []map[string]any) error {
	var firstErr error
	for _, params := range batch {
		if err := s.sendOne(params); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *MidiDestinationSender) sendOne(params map[string]any) error {
	channel := uint8(intParam(params, "channel", int(s.defaultChannel))) & 0x0F

	if note, ok := numParam(params, "note"); ok {
		key := uint8(clampInt(note, 0, 127))
		velocity := uint8(clampInt(intParam(params, "velocity", 100), 0, 127))
		duration := intParam(params, "duration_ms", 100)
		if err := s.midi.NoteOn(channel, key, velocity); err != nil {
			return err
		}
		time.AfterFunc(time.Duration(duration)*time.Millisecond, func() {
			_ = s.midi.NoteOff(channel, key)
		})
		return nil
	}

	if cc, ok := numParam(params, "cc"); ok {
		value := uint8(clampInt(intParam(params, "value", 0), 0, 127))
		return s.midi.ControlChange(channel, uint8(clampInt(cc, 0, 127)), value)
	}

	if bend, ok := numParam(params, "pitch_bend"); ok {
		return s.midi.PitchBend(channel, bend)
	}

	// Messages without a recognized form are dropped.
	return nil
}

func (s *MidiDestinationSender) Close() error {
	s.midi.Disconnect()
	return nil
}

func numParam(params map[string]any, key string) (int, bool) {
	switch n := params[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}

func intParam(params map[string]any, key string, def int) int {
	if n, ok := numParam(params, key); ok {
		return n
	}
	return def
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
