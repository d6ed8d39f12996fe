package scheduler

import (
	"sort"
	"sync"

	"github.com/KengoTobita/oiduna/internal/ir"
	"github.com/KengoTobita/oiduna/internal/logger"
)

// Sender transmits a batch of parameter mappings to one destination.
type Sender interface {
	Name() string
	SendBatch(params []map[string]any) error
	Close() error
}

// DestinationRouter maps destination ids to senders and fans each tick's
// messages out to them, preserving per-destination order.
type DestinationRouter struct {
	mu            sync.RWMutex
	senders       map[string]Sender
	unknownWarned map[string]bool
	sendErrors    map[string]int64
}

func NewDestinationRouter() *DestinationRouter {
	return &DestinationRouter{
		senders:       make(map[string]Sender),
		unknownWarned: make(map[string]bool),
		sendErrors:    make(map[string]int64),
	}
}

// Register installs a sender for a destination id, replacing any prior one.
// A replaced sender is closed.
func (r *DestinationRouter) Register(id string, sender Sender) {
	r.mu.Lock()
	prior := r.senders[id]
	r.senders[id] = sender
	delete(r.unknownWarned, id)
	r.mu.Unlock()

	if prior != nil {
		if err := prior.Close(); err != nil {
			logger.Warn("Failed to close replaced sender", logger.Fields{
				"destination": id,
				"error":       err.Error(),
			})
		}
	}
}

// Unregister removes and closes the sender for a destination id.
func (r *DestinationRouter) Unregister(id string) {
	r.mu.Lock()
	sender := r.senders[id]
	delete(r.senders, id)
	r.mu.Unlock()

	if sender != nil {
		if err := sender.Close(); err != nil {
			logger.Warn("Failed to close sender", logger.Fields{
				"destination": id,
				"error":       err.Error(),
			})
		}
	}
}

// Has reports whether a sender is registered for the id.
func (r *DestinationRouter) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[id]
	return ok
}

// Destinations returns the registered destination ids, sorted.
func (r *DestinationRouter) Destinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.senders))
	for id := range r.senders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispatch groups messages by destination and sends each group through its
// sender. Groups preserve message order. Unknown destinations are logged
// once per id and skipped; send errors are counted and never propagate.
func (r *DestinationRouter) Dispatch(messages []ir.ScheduledMessage) {
	if len(messages) == 0 {
		return
	}

	order := make([]string, 0, 2)
	groups := make(map[string][]map[string]any, 2)
	for _, msg := range messages {
		if _, seen := groups[msg.DestinationID]; !seen {
			order = append(order, msg.DestinationID)
		}
		groups[msg.DestinationID] = append(groups[msg.DestinationID], msg.Params)
	}

	for _, id := range order {
		r.mu.RLock()
		sender, ok := r.senders[id]
		r.mu.RUnlock()

		if !ok {
			r.warnUnknown(id)
			continue
		}

		if err := sender.SendBatch(groups[id]); err != nil {
			r.mu.Lock()
			r.sendErrors[id]++
			count := r.sendErrors[id]
			r.mu.Unlock()
			logger.Warn("Send failed", logger.Fields{
				"destination": id,
				"errors":      count,
				"error":       err.Error(),
			})
		}
	}
}

func (r *DestinationRouter) warnUnknown(id string) {
	r.mu.Lock()
	warned := r.unknownWarned[id]
	r.unknownWarned[id] = true
	r.mu.Unlock()

	if !warned {
		logger.Warn("Unknown destination, dropping messages", logger.Fields{
			"destination": id,
		})
	}
}

// ErrorCounts returns a snapshot of per-destination send error counts.
func (r *DestinationRouter) ErrorCounts() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int64, len(r.sendErrors))
	for id, n := range r.sendErrors {
		counts[id] = n
	}
	return counts
}

// Close closes every registered sender and empties the router.
func (r *DestinationRouter) Close() error {
	r.mu.Lock()
	senders := r.senders
	r.senders = make(map[string]Sender)
	r.mu.Unlock()

	var firstErr error
	for id, sender := range senders {
		if err := sender.Close(); err != nil && firstErr == nil {
			firstErr = err
			logger.Warn("Failed to close sender", logger.Fields{
				"destination": id,
				"error":       err.Error(),
			})
		}
	}
	return firstErr
}
