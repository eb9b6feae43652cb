package coordinator

import (
	"log/slog"
	"sync"

	"wuling-go-home/internal/convert"
)

// Coordinator event types.
const (
	EventStateChanged    = "state_changed"
	EventNotification    = "notification"
	EventIntervalChanged = "interval_changed"
	EventPollFailed      = "poll_failed"
	EventCommand         = "command"
)

// Event is a coordinator event delivered to websocket clients and scripts.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	Changed convert.Attributes `json:"changed"`
}

// NotificationEvent is the payload of EventNotification.
type NotificationEvent struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Title  string `json:"title"`
	Body   string `json:"message"`
	Error  string `json:"error,omitempty"`
}

// IntervalChange is the payload of EventIntervalChanged.
type IntervalChange struct {
	Seconds  float64 `json:"seconds"`
	Override bool    `json:"override"`
}

// PollFailure is the payload of EventPollFailed.
type PollFailure struct {
	Loop  string `json:"loop"`
	Error string `json:"error"`
}

// CommandEvent is the payload of EventCommand.
type CommandEvent struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans coordinator events out to listeners.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates an event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls the matching handlers synchronously. Panics are recovered.
// A nil bus drops the event.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
