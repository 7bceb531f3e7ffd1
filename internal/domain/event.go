package domain

import (
	"context"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventSessionRegistered EventType = "session.registered"
	EventSessionRejected   EventType = "session.rejected"
	EventSessionClosed     EventType = "session.closed"
	EventChannelBound      EventType = "channel.bound"

	EventMessageOutbound       EventType = "message.outbound"
	EventMessageInbound        EventType = "message.inbound"
	EventMessageEchoSuppressed EventType = "message.echo_suppressed"
	EventMessageDropped        EventType = "message.dropped"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Nick      string    `json:"nick,omitempty"`
	Channel   string    `json:"channel,omitempty"` // slack channel id when known
	Detail    string    `json:"detail,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now()}
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for bridge events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
