// Package events is the publish/subscribe channel through which the core
// announces binding changes to the host application layer.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenChanged is published with a {"token": ...} payload every time the
// messaging layer issues an application token.
const TokenChanged = "FCMToken"

// TokenCleared is published with an empty payload when the messaging layer
// reports that it holds no application token.
const TokenCleared = "FCMTokenCleared"

// Event is one publication.
type Event struct {
	ID      string
	Name    string
	Payload map[string]string
	At      time.Time
}

// Token returns the "token" payload entry.
func (e Event) Token() string {
	return e.Payload["token"]
}

type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously, in subscription order, on the publisher's goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	latest map[string]Event
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		latest: make(map[string]Event),
		logger: logger.With("component", "EventBus"),
	}
}

// Subscribe registers h for events named name. The returned func removes it.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			current := b.subs[name]
			kept := make([]subscription, 0, len(current))
			for _, s := range current {
				if s.id != id {
					kept = append(kept, s)
				}
			}
			b.subs[name] = kept
		})
	}
}

// Publish stamps and delivers an event to every current subscriber of name.
func (b *Bus) Publish(name string, payload map[string]string) Event {
	ev := Event{
		ID:      uuid.NewString(),
		Name:    name,
		Payload: payload,
		At:      time.Now().UTC(),
	}

	b.mu.Lock()
	b.latest[name] = ev
	handlers := make([]subscription, len(b.subs[name]))
	copy(handlers, b.subs[name])
	b.mu.Unlock()

	b.logger.Debug("Publishing event", "event", name, "event_id", ev.ID, "subscribers", len(handlers))
	for _, s := range handlers {
		b.deliver(s.handler, ev)
	}
	return ev
}

// Latest returns the most recent event published under name.
func (b *Bus) Latest(name string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.latest[name]
	return ev, ok
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked", "event", ev.Name, "event_id", ev.ID, "panic", r)
		}
	}()
	h(ev)
}
