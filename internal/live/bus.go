// Package live implements push-based fan-out of poll events to
// subscribers.
//
// Publishing never blocks the poll loop: each subscriber sits behind a
// bounded channel, and when a subscriber falls behind the oldest queued
// event is dropped in its place. Visual freshness outweighs completeness.
package live

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opsgrid/tagdvr/internal/logging"
	"github.com/opsgrid/tagdvr/internal/metrics"
	"github.com/opsgrid/tagdvr/internal/tag"
)

var log = logging.Component("live")

// Event is one connection tick's worth of ingested values.
type Event struct {
	ConnectionID string      `json:"connectionId"`
	TimestampMs  int64       `json:"timestamp"`
	Values       []tag.Value `json:"values"`
}

// Subscription is a registered consumer of poll events.
type Subscription struct {
	id string
	ch chan Event

	closeOnce sync.Once
	dropped   atomic.Int64
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the subscriber's event channel. The channel is closed
// when the subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber has missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans poll events out to any number of subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	bufSize int
	closed  bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		bufSize: bufSize,
	}
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Event, b.bufSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub

	log.Debug("subscriber added", "id", sub.id, "total", len(b.subs))
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	if ok {
		sub.closeOnce.Do(func() { close(sub.ch) })
		log.Debug("subscriber removed", "id", sub.id)
	}
}

// Publish delivers an event to all subscribers without ever blocking.
// A full subscriber queue sheds its oldest event to make room.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full: drop the oldest queued event, then retry once.
		// Another consumer read can race the drain, so the retry is
		// still non-blocking.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
}

// PublishValues wraps one tick's values in an Event and publishes it.
// Satisfies the scheduler's Publisher interface.
func (b *Bus) PublishValues(connectionID string, timestampMs int64, values []tag.Value) {
	b.Publish(Event{
		ConnectionID: connectionID,
		TimestampMs:  timestampMs,
		Values:       values,
	})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}

// Stats holds bus statistics.
type Stats struct {
	Subscribers int
	Published   int64
	Dropped     int64
}

// Stats returns bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Subscribers: len(b.subs),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}
