// Package scheduler owns the scheduled-message store and the destination
// router: the data structures between a loaded session and the output
// senders.
package scheduler

import (
	"sort"
	"sync"

	"github.com/KengoTobita/oiduna/internal/ir"
)

// MessageStore holds the current flat message batch indexed by step.
// Loads are atomic: readers never observe a partially installed batch.
type MessageStore struct {
	mu          sync.RWMutex
	messages    []ir.ScheduledMessage
	byStep      map[int][]int
	bpm         float64
	activeSteps int
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		byStep:      make(map[int][]int),
		bpm:         120.0,
		activeSteps: ir.LoopSteps,
	}
}

// LoadBatch replaces the store contents and rebuilds the step index.
func (s *MessageStore) LoadBatch(batch *ir.ScheduledMessageBatch) {
	messages := make([]ir.ScheduledMessage, len(batch.Messages))
	copy(messages, batch.Messages)

	byStep := make(map[int][]int, len(messages))
	for i, msg := range messages {
		byStep[msg.Step] = append(byStep[msg.Step], i)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = messages
	s.byStep = byStep
	s.bpm = batch.BPM
	s.activeSteps = batch.ActiveSteps()
}

// Clear removes all messages and resets the active window to the full loop.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.byStep = make(map[int][]int)
	s.activeSteps = ir.LoopSteps
}

// MessagesAt returns the messages scheduled at step, in submission order.
func (s *MessageStore) MessagesAt(step int) []ir.ScheduledMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	indices := s.byStep[step]
	if len(indices) == 0 {
		return nil
	}
	result := make([]ir.ScheduledMessage, len(indices))
	for i, idx := range indices {
		result[i] = s.messages[idx]
	}
	return result
}

// MessageCount returns the total number of stored messages.
func (s *MessageStore) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// OccupiedSteps returns the sorted steps that have at least one message.
func (s *MessageStore) OccupiedSteps() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]int, 0, len(s.byStep))
	for step := range s.byStep {
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps
}

// ActiveSteps returns the loop window of the loaded batch.
func (s *MessageStore) ActiveSteps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeSteps
}

// BPM returns the tempo the loaded batch was compiled for.
func (s *MessageStore) BPM() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bpm
}
