package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	TypeCompleted      = "request.completed"
	TypeFailed         = "request.failed"
	TypeCancelled      = "request.cancelled"
	TypeRetryScheduled = "request.retry_scheduled"
	TypeDeadLettered   = "request.dead_lettered"
)

// LifecycleEvent describes one state change of a generation request.
type LifecycleEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is one of the Type* constants
	Type string `json:"type"`

	// RequestID identifies the request that changed state
	RequestID string `json:"request_id"`

	// State is the lifecycle state after the change
	State string `json:"state"`

	// Payload carries type-specific data serialized as JSON
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *LifecycleEvent) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewLifecycleEvent creates a LifecycleEvent with the given type and payload.
// A nil payload is omitted.
func NewLifecycleEvent(eventType, requestID, state string, payload interface{}) (*LifecycleEvent, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = b
	}

	return &LifecycleEvent{
		ID:        uuid.New(),
		Type:      eventType,
		RequestID: requestID,
		State:     state,
		Payload:   payloadBytes,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *LifecycleEvent) error
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *LifecycleEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *LifecycleEvent) error

// HandleEvent implements EventHandler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *LifecycleEvent) error {
	return f(ctx, event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

// EmitEvent implements EventEmitter.
func (NopEmitter) EmitEvent(context.Context, *LifecycleEvent) error { return nil }
