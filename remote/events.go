package remote

import (
	"sync"
	"time"

	"github.com/ndavat/rokuMote-sub000/logger"
)

// EventType discriminates the event union published on the bus.
type EventType string

const (
	EventDeviceDiscovered       EventType = "device_discovered"
	EventDeviceConnected        EventType = "device_connected"
	EventDeviceDisconnected     EventType = "device_disconnected"
	EventConnectionStateChanged EventType = "connection_state_changed"
	EventCommandSent            EventType = "command_sent"
	EventErrorOccurred          EventType = "error_occurred"
	EventRecoveryAttempt        EventType = "recovery_attempt"
	EventRecoveryResult         EventType = "recovery_result"
)

// RecoveryProgress is the payload for recovery_attempt and recovery_result.
type RecoveryProgress struct {
	Strategy    string `json:"strategy"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Success     bool   `json:"success,omitempty"`
}

// Event is one entry of the connection event stream. Only the fields relevant
// to Type are populated.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Device    *Device           `json:"device,omitempty"`
	State     ConnectionState   `json:"state,omitempty"`
	Previous  ConnectionState   `json:"previous,omitempty"`
	Result    *CommandResult    `json:"result,omitempty"`
	Err       *ClassifiedError  `json:"error,omitempty"`
	Recovery  *RecoveryProgress `json:"recovery,omitempty"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, in registration order.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

const defaultHistoryCap = 100

// EventBus is a typed publish/subscribe registry keyed by event type. A panic
// in one handler is caught and logged and never reaches the publisher or the
// remaining handlers. The bus also retains a bounded history of recent events
// for diagnostics.
type EventBus struct {
	mu         sync.Mutex
	handlers   map[EventType][]subscription
	nextID     int
	history    []Event
	historyCap int
}

// NewEventBus creates a bus retaining up to historyCap recent events
// (defaulted when <= 0).
func NewEventBus(historyCap int) *EventBus {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	return &EventBus{
		handlers:   make(map[EventType][]subscription),
		historyCap: historyCap,
	}
}

// Subscribe registers fn for events of type t and returns an unsubscribe
// function. Unsubscribing twice is safe.
func (b *EventBus) Subscribe(t EventType, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[t] = append(b.handlers[t], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[t]
		for i, s := range subs {
			if s.id == id {
				b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish appends ev to the history and invokes every handler registered for
// its type, synchronously and in registration order.
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	subs := make([]subscription, len(b.handlers[ev.Type]))
	copy(subs, b.handlers[ev.Type])
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatch(s, ev)
	}
}

func (b *EventBus) dispatch(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("EventBus", "handler for %s panicked: %v", ev.Type, r)
		}
	}()
	s.fn(ev)
}

// History returns a snapshot of the retained events, oldest first.
func (b *EventBus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}
