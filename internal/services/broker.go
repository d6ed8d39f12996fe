// Package services wires the loop engine to the HTTP layer: event fan-out
// for SSE subscribers, the live-client registry, session loading through
// the extension pipeline, and sample/synthdef storage.
package services

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KengoTobita/oiduna/internal/logger"
)

const (
	// DefaultSubscriberBuffer is the per-subscriber event queue depth.
	DefaultSubscriberBuffer = 256
	// DefaultLagLimit disconnects a subscriber after this many consecutive
	// publishes found its queue full.
	DefaultLagLimit = 3
)

// Event is one named payload on its way to SSE subscribers. Data carries
// the JSON encoding, produced once per publish regardless of subscriber
// count.
type Event struct {
	Name string
	Data []byte
}

type subscriber struct {
	id   string
	ch   chan Event
	lags int
}

// Broker fans engine events out to SSE subscribers. Each subscriber owns
// a buffered queue; a slow consumer loses oldest events first and sees a
// single lag marker per burst, and is dropped entirely after LagLimit
// consecutive full-queue publishes. Publish never blocks, which keeps the
// engine step loop isolated from misbehaving HTTP clients.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	buffer int
	limit  int
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// BrokerStats is a snapshot for the metrics endpoint.
type BrokerStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// NewBroker builds a broker with default queue depth and lag limit.
func NewBroker() *Broker {
	return NewBrokerSize(DefaultSubscriberBuffer, DefaultLagLimit)
}

// NewBrokerSize builds a broker with explicit sizing, mainly for tests.
func NewBrokerSize(buffer, lagLimit int) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	if lagLimit < 1 {
		lagLimit = 1
	}
	return &Broker{
		subs:   make(map[string]*subscriber),
		buffer: buffer,
		limit:  lagLimit,
	}
}

// Subscribe registers a new consumer. The returned channel closes when the
// subscriber is cancelled, disconnected for lagging, or the broker shuts
// down. cancel is idempotent.
func (b *Broker) Subscribe() (string, <-chan Event, func()) {
	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan Event, b.buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.id, sub.ch, func() {}
	}
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.mu.Unlock()

	logger.Debug("broker subscriber added", logger.Fields{
		"subscriber_id": sub.id,
		"subscribers":   count,
	})
	return sub.id, sub.ch, func() { b.remove(sub.id) }
}

// Publish encodes data once and offers the event to every subscriber.
// Satisfies the engine's Publisher interface.
func (b *Broker) Publish(event string, data any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		logger.Error("broker event encoding failed", err, logger.Fields{
			"event": event,
		})
		return
	}
	ev := Event{Name: event, Data: encoded}
	b.published.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		b.offerLocked(sub, ev)
	}
}

// offerLocked delivers ev or handles the lag protocol: the oldest queued
// event is dropped to free a slot, which the first lag of a burst fills
// with a lag marker and later lags fill with the incoming event.
func (b *Broker) offerLocked(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		sub.lags = 0
		return
	default:
	}

	sub.lags++
	b.dropped.Add(1)
	if sub.lags >= b.limit {
		delete(b.subs, sub.id)
		close(sub.ch)
		logger.Warn("broker subscriber dropped after repeated lag", logger.Fields{
			"subscriber_id": sub.id,
			"lags":          sub.lags,
		})
		return
	}

	select {
	case <-sub.ch:
	default:
	}
	replacement := ev
	if sub.lags == 1 {
		replacement = lagEvent()
	}
	select {
	case sub.ch <- replacement:
	default:
	}
}

func lagEvent() Event {
	data, _ := json.Marshal(map[string]any{
		"timestamp": time.Now().UnixMilli(),
	})
	return Event{Name: "lag", Data: data}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Stats reports subscriber count and publish/drop totals.
func (b *Broker) Stats() BrokerStats {
	b.mu.Lock()
	count := len(b.subs)
	b.mu.Unlock()
	return BrokerStats{
		Subscribers: count,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close disconnects all subscribers. Publish and Subscribe become no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
