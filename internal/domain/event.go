package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies a lifecycle event on the bus.
type EventType string

const (
	EventNegotiationInitiated EventType = "negotiation.initiated"
	EventNegotiationConcluded EventType = "negotiation.concluded"
	EventNegotiationFailed    EventType = "negotiation.failed"
	EventRoundCompleted       EventType = "negotiation.round_completed"
	EventOfferProposed        EventType = "offer.proposed"
	EventOfferAccepted        EventType = "offer.accepted"
	EventOfferRejected        EventType = "offer.rejected"
	EventSnapshotRefreshed    EventType = "market.snapshot_refreshed"
	EventSnapshotDegraded     EventType = "market.snapshot_degraded"
)

// Event is a lifecycle notification. Payload is event-type specific.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler consumes events. Handlers must not block indefinitely.
type EventHandler func(ctx context.Context, event Event)

// EventBus fans out lifecycle events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())
	SubscribeAll(handler EventHandler) (unsubscribe func())
	Close()
}
