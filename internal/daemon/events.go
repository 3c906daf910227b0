package daemon

import (
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Event Types
// -------------------------------------------------------------------------

// EventType classifies management events.
type EventType string

const (
	// EventSessionState: a session changed state.
	EventSessionState EventType = "session_state"

	// EventConnectionState: a connection opened or closed.
	EventConnectionState EventType = "connection_state"

	// EventConfigUpdated: the active configuration changed.
	EventConfigUpdated EventType = "config_updated"

	// EventSystemError: a system-typed failure (decoder errors,
	// subscriber detach) surfaced to event consumers.
	EventSystemError EventType = "system_error"
)

// Event is one management event delivered to subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// -------------------------------------------------------------------------
// Bus
// -------------------------------------------------------------------------

// subChSize buffers events per subscriber. Slow subscribers drop.
const subChSize = 64

// Bus fans management events out to subscribers. Subscribers filter
// by event type at subscription time; a full subscriber channel drops
// the event for that subscriber with a warning.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber

	published uint64
	dropped   uint64
}

type subscriber struct {
	ch    chan Event
	types map[EventType]struct{}
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With(slog.String("component", "daemon.events")),
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers a consumer for the given event types (all types
// when empty). Returns the event channel and a cancel function that
// detaches and closes it.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	filter := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}

	sub := &subscriber{
		ch:    make(chan Event, subChSize),
		types: filter,
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		s, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		if ok {
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber. Non-blocking:
// a full subscriber channel drops the event.
func (b *Bus) Publish(eventType EventType, fields map[string]any) {
	ev := Event{Type: eventType, Timestamp: time.Now(), Fields: fields}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.published++
	for id, sub := range b.subs {
		if len(sub.types) > 0 {
			if _, want := sub.types[eventType]; !want {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
			b.logger.Warn("event subscriber lagging, dropping event",
				slog.Uint64("subscriber", id),
				slog.String("event_type", string(eventType)),
			)
		}
	}
}

// Stats returns cumulative publish/drop counters.
func (b *Bus) Stats() (published, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published, b.dropped
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
