package engine

import (
	"container/heap"
	"sync"
	"time"
)

const (
	noteOffMinSleep = time.Millisecond
	noteOffMaxSleep = 10 * time.Millisecond
)

// pendingNoteOff is one deferred note-off. Equal deadlines release in
// scheduling order via the sequence number.
type pendingNoteOff struct {
	at      time.Time
	seq     uint64
	channel uint8
	note    uint8
}

type noteOffHeap []pendingNoteOff

func (h noteOffHeap) Len() int { return len(h) }

func (h noteOffHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h noteOffHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *noteOffHeap) Push(x any) { *h = append(*h, x.(pendingNoteOff)) }

func (h *noteOffHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NoteOffScheduler holds future note-offs in a min-heap and releases them
// when due. A sustained note schedules its off here at note-on time, so stop
// and panic can silence everything at once.
type NoteOffScheduler struct {
	midi MidiOutput

	mu   sync.Mutex
	heap noteOffHeap
	seq  uint64
	wake chan struct{}
}

// NewNoteOffScheduler returns a scheduler emitting through midi.
func NewNoteOffScheduler(midi MidiOutput) *NoteOffScheduler {
	return &NoteOffScheduler{
		midi: midi,
		wake: make(chan struct{}, 1),
	}
}

// Schedule queues a note-off at the given absolute time. If the deadline is
// earlier than everything already queued, the polling loop is woken so it can
// shorten its sleep.
func (s *NoteOffScheduler) Schedule(channel, note uint8, at time.Time) {
	s.mu.Lock()
	isNext := len(s.heap) == 0 || at.Before(s.heap[0].at)
	heap.Push(&s.heap, pendingNoteOff{at: at, seq: s.seq, channel: channel, note: note})
	s.seq++
	s.mu.Unlock()

	if isNext {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Tick emits every note-off due at or before now and returns how many fired.
func (s *NoteOffScheduler) Tick(now time.Time) int {
	due := s.popDue(now)
	for _, p := range due {
		s.midi.NoteOff(p.channel, p.note)
	}
	return len(due)
}

func (s *NoteOffScheduler) popDue(now time.Time) []pendingNoteOff {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []pendingNoteOff
	for len(s.heap) > 0 && !s.heap[0].at.After(now) {
		due = append(due, heap.Pop(&s.heap).(pendingNoteOff))
	}
	return due
}

// FlushAll emits every pending note-off immediately. Used on stop, pause and
// panic so nothing keeps sounding.
func (s *NoteOffScheduler) FlushAll() int {
	s.mu.Lock()
	drained := make([]pendingNoteOff, 0, len(s.heap))
	for len(s.heap) > 0 {
		drained = append(drained, heap.Pop(&s.heap).(pendingNoteOff))
	}
	s.mu.Unlock()

	for _, p := range drained {
		s.midi.NoteOff(p.channel, p.note)
	}
	return len(drained)
}

// PendingCount returns how many note-offs are queued.
func (s *NoteOffScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// NextDeadline returns the earliest queued deadline, false if empty.
func (s *NoteOffScheduler) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].at, true
}

// Run polls until done closes. The sleep adapts to the next deadline: at most
// 10ms when idle, clamped no shorter than 1ms so a dense cluster of offs
// cannot spin the loop.
func (s *NoteOffScheduler) Run(done <-chan struct{}) {
	for {
		s.Tick(time.Now())

		wait := noteOffMaxSleep
		if next, ok := s.NextDeadline(); ok {
			until := time.Until(next)
			if until < noteOffMinSleep {
				until = noteOffMinSleep
			}
			if until < wait {
				wait = until
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-done:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
