package core

import "sync"

// EventType selects which bus handlers see an event.
type EventType int

const (
	EventStatusChanged EventType = iota
	EventAlert
	EventRulesChanged
	EventSettingsChanged
	EventServerConfigsChanged
	EventNotification
	EventConfigReloaded
)

// Event is one bus message; Payload type depends on Type.
type Event struct {
	Type    EventType
	Payload any
}

// StatusPayload is the payload for EventStatusChanged. Values are wire
// status strings ("disconnected", "connecting", ...).
type StatusPayload struct {
	SessionID string
	OldStatus string
	NewStatus string
}

// AlertPayload is the payload for EventAlert.
type AlertPayload struct {
	Err *AlertError
}

// RulesPayload is the payload for EventRulesChanged.
type RulesPayload struct {
	Set   string
	Entry string
	Added bool
}

// SettingsPayload is the payload for EventSettingsChanged. Key is empty
// when the whole document was replaced.
type SettingsPayload struct {
	Key string
}

// ServerConfigsPayload is the payload for EventServerConfigsChanged.
type ServerConfigsPayload struct {
	ID      string
	Removed bool
}

// NotificationPayload is the payload for EventNotification.
type NotificationPayload struct {
	Identifier string `json:"identifier"`
	TypeName   string `json:"typeName"`
	TypeID     int    `json:"typeId"`
	Title      string `json:"title"`
	Subtitle   string `json:"subtitle,omitempty"`
	Body       string `json:"body"`
	OpenURL    string `json:"openUrl,omitempty"`
}

// Handler receives bus events.
type Handler func(Event)

// EventBus fans events out to in-process subscribers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds h for events of type t. Handlers cannot be removed.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish runs the handlers for e.Type in subscription order on the
// caller's goroutine.
func (eb *EventBus) Publish(e Event) {
	for _, h := range eb.snapshot(e.Type) {
		h(e)
	}
}

// PublishAsync runs each handler on its own goroutine.
func (eb *EventBus) PublishAsync(e Event) {
	for _, h := range eb.snapshot(e.Type) {
		go h(e)
	}
}

func (eb *EventBus) snapshot(t EventType) []Handler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.handlers[t]
}
