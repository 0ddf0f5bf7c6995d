package state

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies event categories.
type EventType string

const (
	EventStateUpdate    EventType = "state_update"
	EventSubscribed     EventType = "subscribed"
	EventUnsubscribed   EventType = "unsubscribed"
	EventSessionRenewed EventType = "session_renewed"
	EventSessionExpired EventType = "session_expired"
)

// Event is published on the bus for bridge consumers (MQTT, websocket).
type Event struct {
	Type      EventType `json:"type"`
	Serial    string    `json:"serial,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. A full subscriber buffer drops
// the event for that subscriber only.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed by unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// --- Store ---

// Store holds the last successfully decoded state per device.
type Store struct {
	mu     sync.RWMutex
	states map[string]DeviceState
	bus    *EventBus
}

// NewStore creates a store that announces updates on bus. bus may be nil.
func NewStore(bus *EventBus) *Store {
	return &Store{
		states: make(map[string]DeviceState),
		bus:    bus,
	}
}

// Set records st as the latest state for serial.
func (s *Store) Set(serial string, st DeviceState) {
	s.mu.Lock()
	s.states[serial] = st
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(Event{Type: EventStateUpdate, Serial: serial, Data: st})
	}
}

// Get returns the latest state for serial.
func (s *Store) Get(serial string) (DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[serial]
	return st, ok
}

// Snapshot returns a copy of all known states keyed by serial.
func (s *Store) Snapshot() map[string]DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[string]DeviceState, len(s.states))
	for k, v := range s.states {
		cp[k] = v
	}
	return cp
}

// Delete forgets serial.
func (s *Store) Delete(serial string) {
	s.mu.Lock()
	delete(s.states, serial)
	s.mu.Unlock()
}

// Bus returns the bus updates are announced on.
func (s *Store) Bus() *EventBus {
	return s.bus
}
