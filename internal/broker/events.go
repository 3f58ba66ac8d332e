package broker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/logging"
)

// EventType identifies a connection lifecycle event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventReconnectFailed EventType = "reconnect_failed"
	EventError           EventType = "error"
	EventChannelCreated  EventType = "channel_created"
	EventChannelClosed   EventType = "channel_closed"
)

// Event carries the payload of a lifecycle event. Fields are populated per
// event type.
type Event struct {
	Type      EventType
	Graceful  bool
	Attempt   int
	Delay     time.Duration
	Err       error
	ChannelID int
	Confirm   bool
}

// Handler receives lifecycle events.
type Handler func(Event)

type handlerEntry struct {
	id int
	fn Handler
}

// Emitter dispatches lifecycle events to registered handlers, sequentially
// and in registration order. A panicking handler does not prevent the
// remaining handlers from running.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	nextID   int
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[EventType][]handlerEntry),
	}
}

// On registers a handler for an event type and returns its id.
func (e *Emitter) On(event EventType, handler Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[event] = append(e.handlers[event], handlerEntry{id: e.nextID, fn: handler})
	return e.nextID
}

// Off removes the handler with the given id.
func (e *Emitter) Off(event EventType, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.handlers[event]
	for i, entry := range entries {
		if entry.id == id {
			e.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit invokes all handlers for the event in order.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	entries := make([]handlerEntry, len(e.handlers[ev.Type]))
	copy(entries, e.handlers[ev.Type])
	e.mu.RUnlock()

	for _, entry := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("broker event handler panicked",
						zap.String("event", string(ev.Type)),
						zap.Any("panic", r),
					)
				}
			}()
			entry.fn(ev)
		}()
	}
}
