package billing

import "time"

// EventType is a normalized provider lifecycle event type.
type EventType string

const (
	// EventSubscriptionCreated is emitted when a subscription is created.
	EventSubscriptionCreated EventType = "subscription.created"
	// EventSubscriptionUpdated is emitted for every later change, including cancellation
	// and deletion.
	EventSubscriptionUpdated EventType = "subscription.updated"
)

// Event is a verified, parsed provider notification.
type Event struct {
	ID string

	// Type is the normalized type. Events the core does not act upon keep the
	// provider's raw type in RawType and have an empty Type.
	Type    EventType
	RawType string

	// CreatedAt is when the provider emitted the event.
	CreatedAt time.Time

	// CustomerID is the provider customer the event refers to.
	CustomerID string

	// Subscription is the embedded subscription object (nil for other object types).
	Subscription *Subscription
}

// Recognized reports whether the core handles this event.
func (e *Event) Recognized() bool {
	return e.Type == EventSubscriptionCreated || e.Type == EventSubscriptionUpdated
}
