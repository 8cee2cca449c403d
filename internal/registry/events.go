package registry

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventDeviceUpserted  = "device_upserted"
	EventDeviceDeleted   = "device_deleted"
	EventDeviceWoken     = "device_woken"
	EventDeviceProbed    = "device_probed"
	EventRegistryChanged = "registry_changed"
)

// anyEvent is the subscription key for handlers that receive every event.
const anyEvent = ""

// Event is published after a registry operation completes. Data is a
// map[string]any carrying at least "name" when a single device is involved.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans registry events out to subscribers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]EventHandler // event type -> id -> handler
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[string]map[uint64]EventHandler),
		logger: logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.nextID
	eb.nextID++
	if eb.subs[eventType] == nil {
		eb.subs[eventType] = make(map[uint64]EventHandler)
	}
	eb.subs[eventType][id] = handler

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.subs[eventType], id)
	}
}

// OnAll registers a handler that receives every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.On(anyEvent, handler)
}

// Emit calls every matching handler synchronously on the caller's goroutine.
// A panicking handler is logged and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs[event.Type])+len(eb.subs[anyEvent]))
	for _, h := range eb.subs[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.subs[anyEvent] {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
