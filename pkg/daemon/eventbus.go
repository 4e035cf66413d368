// Package daemon provides the bridge daemon: config, module lifecycle and the event bus.
package daemon

import (
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Event types for the bridge event stream.
const (
	EventQR     = "qr"     // Pairing code issued by the transport
	EventState  = "state"  // Session state transition
	EventRelay  = "relay"  // Inbound event relayed to the store
	EventStatus = "status" // Informational status line
	EventError  = "error"  // Error notification
)

// Event is a single event broadcast to observers.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"` // For qr: the raw pairing code
	State   string `json:"state,omitempty"`   // For state: the new session state
	Session string `json:"session,omitempty"` // Session instance id
	Message string `json:"message,omitempty"` // For status/error/relay messages
	Level   string `json:"level,omitempty"`   // For status: "info", "warn", "error"
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

// Filter selects the events an observer receives. A nil Filter matches all.
type Filter func(Event) bool

// NewFilter matches events of the given types tagged with session. An empty
// session or type list matches any. Untagged events (daemon status lines)
// pass a session filter.
func NewFilter(session string, types ...string) Filter {
	if session == "" && len(types) == 0 {
		return nil
	}
	return func(e Event) bool {
		if session != "" && e.Session != "" && e.Session != session {
			return false
		}
		return len(types) == 0 || slices.Contains(types, e.Type)
	}
}

func (f Filter) match(e Event) bool {
	return f == nil || f(e)
}

type subscriber struct {
	ch     chan Event
	done   chan struct{}
	filter Filter
}

// EventBus fans out events to observers and keeps a bounded history so late
// observers can be hydrated. Subscribers that fall behind miss events.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	histMu sync.RWMutex
	ring   []Event // circular; head is the next write slot
	head   int
	size   int
	latest map[string]Event // last event per type, kept after ring eviction
}

// NewEventBus creates an event bus retaining the last 200 events.
func NewEventBus() *EventBus {
	return newEventBus(200)
}

func newEventBus(history int) *EventBus {
	return &EventBus{
		subscribers: make(map[*subscriber]struct{}),
		ring:        make([]Event, history),
		latest:      make(map[string]Event),
	}
}

// Publish records e and offers it to every matching subscriber without blocking.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.histMu.Lock()
	eb.ring[eb.head] = e
	eb.head = (eb.head + 1) % len(eb.ring)
	if eb.size < len(eb.ring) {
		eb.size++
	}
	eb.latest[e.Type] = e
	eb.histMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for sub := range eb.subscribers {
		if !sub.filter.match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe registers an observer for every event. Caller MUST call
// Unsubscribe with the returned done channel.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	return eb.SubscribeFilter(nil)
}

// SubscribeFilter registers an observer for events matching f.
func (eb *EventBus) SubscribeFilter(f Filter) (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:     make(chan Event, 64),
		done:   make(chan struct{}),
		filter: f,
	}
	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
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

// Recent returns up to n retained events, oldest first. n <= 0 returns all.
func (eb *EventBus) Recent(n int) []Event {
	return eb.RecentMatching(n, nil)
}

// RecentMatching returns up to n retained events matching f, oldest first.
func (eb *EventBus) RecentMatching(n int, f Filter) []Event {
	eb.histMu.RLock()
	defer eb.histMu.RUnlock()

	var out []Event
	for i := 1; i <= eb.size; i++ {
		if n > 0 && len(out) == n {
			break
		}
		e := eb.ring[(eb.head-i+len(eb.ring))%len(eb.ring)]
		if f.match(e) {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out
}

// Latest returns the last event published with the given type.
func (eb *EventBus) Latest(typ string) (Event, bool) {
	eb.histMu.RLock()
	defer eb.histMu.RUnlock()
	e, ok := eb.latest[typ]
	return e, ok
}

// SubscriberCount returns the number of connected subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}
