package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Billing events
	EventBillingUnresolved EventType = "billing.unresolved"
	EventBalanceLow        EventType = "balance.low"

	// Payment events
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"

	// Identity events
	EventIdentityCreated EventType = "identity.created"

	// Rate limit events
	EventRateLimitExceeded EventType = "ratelimit.exceeded"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// Identity is the billable principal this event belongs to
	// (optional for system events)
	Identity string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, identity string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Identity:  identity,
		Payload:   payload,
	}
}
