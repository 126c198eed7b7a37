package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event published on the bus.
type EventType string

const (
	// EventStreamEvent carries one canonical StreamEvent as payload,
	// tagged with the request id it belongs to.
	EventStreamEvent EventType = "llm.stream.event"
	// EventStreamStarted is published once per request, before its first
	// canonical stream event.
	EventStreamStarted EventType = "llm.stream.started"
	// EventStreamFinished is published after the terminal StreamEvent,
	// with the accumulated transcript as payload.
	EventStreamFinished EventType = "llm.stream.finished"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID uint64          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for engine events.
// Publish must be best-effort and non-blocking: a slow subscriber must
// never stall the decode loop of an in-flight stream.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
