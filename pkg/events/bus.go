// Package events provides the publish/subscribe bus the client uses to
// republish connection notifications and socket events to the embedding
// application.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultBuffer is the per-subscriber buffer used when Subscribe is given zero.
const DefaultBuffer = 100

// Event is a named notification. Payload type depends on Name.
type Event struct {
	Time    time.Time
	Payload any
	Name    string
}

// Subscription receives the events it was registered for on C.
// C is closed when the subscription or the bus is closed.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	names map[string]struct{}
	bus   *Bus
	ID    uint64
}

// matches determines if an event name is wanted by the subscription.
// A subscription without names receives everything.
func (s *Subscription) matches(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
	logger *slog.Logger
	subs   map[uint64]*Subscription
	onDrop func(n int)
	nextID uint64
	mu     sync.RWMutex
	closed bool
}

// NewBus creates a bus. onDrop, if set, is told how many deliveries each
// Publish dropped.
func NewBus(logger *slog.Logger, onDrop func(n int)) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]*Subscription),
		onDrop: onDrop,
	}
}

// Subscribe registers a subscriber for the given event names (all events
// when none are given). Subscribing to a closed bus returns a closed subscription.
func (b *Bus) Subscribe(buffer int, names ...string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(names) > 0 {
		s.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.names[n] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.ID = b.nextID
	b.subs[s.ID] = s
	b.logger.Debug("subscriber registered", "id", s.ID, "names", names)
	return s
}

// Unsubscribe removes s and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.ID]; !ok {
		return
	}
	delete(b.subs, s.ID)
	close(s.ch)
	b.logger.Debug("subscriber unregistered", "id", s.ID)
}

// Publish delivers an event to every matching subscriber. Full subscribers
// miss the event rather than stall the caller.
func (b *Bus) Publish(name string, payload any) (delivered, dropped int) {
	ev := Event{Name: name, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	for _, s := range b.subs {
		if !s.matches(name) {
			continue
		}
		select {
		case s.ch <- ev:
			delivered++
		default:
			dropped++
			b.logger.Warn("dropped event for subscriber: buffer full", "id", s.ID, "event", name)
		}
	}
	b.mu.RUnlock()

	if dropped > 0 && b.onDrop != nil {
		b.onDrop(dropped)
	}
	return delivered, dropped
}

// Close closes every subscription. Later Publish calls deliver nothing.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
