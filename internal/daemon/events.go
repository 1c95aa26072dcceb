package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types for the observability stream.
const (
	EventEngagement = "engagement" // the persona spoke up in a channel
	EventCommand    = "command"    // a slash command ran
	EventAuth       = "auth"       // login flow transition
	EventStatus     = "status"     // lifecycle info
	EventError      = "error"      // operator-facing failure
)

// Event is a single event broadcast to observability clients.
type Event struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
	TS      string `json:"ts"`
}

// MarshalEvent serializes an event to JSON with timestamp.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

// subscriber is a connected client receiving events via SSE.
type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans out events to all connected observability clients.
// Thread-safe. Subscribers that fall behind are dropped.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	// Ring buffer for recent events (so new connections get context)
	recent    []Event
	recentMu  sync.RWMutex
	maxRecent int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends an event to all connected subscribers.
// Non-blocking: slow subscribers are dropped.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.recentMu.Lock()
	eb.recent = append(eb.recent, e)
	if len(eb.recent) > eb.maxRecent {
		eb.recent = eb.recent[len(eb.recent)-eb.maxRecent:]
	}
	eb.recentMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for sub := range eb.subscribers {
		select {
		case sub.ch <- e:
		default:
			// subscriber too slow — drop event, they catch up via recent buffer
		}
	}
}

// Subscribe creates a new subscriber. Returns a channel of events and a
// done channel to signal unsubscription. Caller MUST call Unsubscribe when done.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}

	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()

	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}

// Recent returns the last n events from the ring buffer.
func (eb *EventBus) Recent(n int) []Event {
	eb.recentMu.RLock()
	defer eb.recentMu.RUnlock()

	if n <= 0 || n > len(eb.recent) {
		n = len(eb.recent)
	}
	result := make([]Event, n)
	copy(result, eb.recent[len(eb.recent)-n:])
	return result
}
