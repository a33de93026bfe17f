// Package bus provides the typed pub-sub layer between the connection
// manager and the chat components. Delivery is synchronous, in transport
// order, with no queuing: events with no subscriber are dropped, and
// components that need durability cover gaps with a REST fetch.
package bus

import (
	"log/slog"
	"sync"

	"github.com/bazaarhq/realtime/pkg/models"
)

// Handler receives one event. Handlers run synchronously on the dispatch
// goroutine; a panicking handler is isolated and never prevents the
// remaining handlers for the same event from running.
type Handler func(models.Event)

// Unsubscribe removes exactly the registration that produced it. Calling it
// more than once is a no-op.
type Unsubscribe func()

// Bus fans events out to subscribers by kind.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[models.EventKind]map[uint64]Handler
	logger *slog.Logger
}

// New creates an event bus. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[models.EventKind]map[uint64]Handler),
		logger: logger,
	}
}

// Subscribe registers handler for the given event kind and returns the
// capability that removes this registration. Multiple subscribers to the
// same kind are all invoked; the order across subscribers is unspecified,
// but each handler fires at most once per event.
func (b *Bus) Subscribe(kind models.EventKind, handler Handler) Unsubscribe {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]Handler)
	}
	b.subs[kind][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if m := b.subs[kind]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, kind)
				}
			}
		})
	}
}

// Publish synchronously delivers the event to every current subscriber of
// its kind. Subscribers registered mid-publish see only later events.
func (b *Bus) Publish(event models.Event) {
	b.mu.RLock()
	m := b.subs[event.Kind]
	handlers := make([]Handler, 0, len(m))
	for _, h := range m {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(event, h)
	}
}

// SubscriberCount returns the number of live registrations for a kind.
func (b *Bus) SubscriberCount(kind models.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

func (b *Bus) invoke(event models.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"kind", string(event.Kind),
				"panic", r)
		}
	}()
	h(event)
}
