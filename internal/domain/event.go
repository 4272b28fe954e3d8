package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle transition recorded in the event log.
type EventType string

const (
	EventCreated    EventType = "CREATED"
	EventScheduled  EventType = "SCHEDULED"
	EventPending    EventType = "PENDING"
	EventPublished  EventType = "PUBLISHED"
	EventProcessing EventType = "PROCESSING"
	EventSent       EventType = "SENT"
	EventDelivered  EventType = "DELIVERED"
	EventRetrying   EventType = "RETRYING"
	EventFailed     EventType = "FAILED"
	EventCancelled  EventType = "CANCELLED"
	EventDeadLetter EventType = "DEAD_LETTER"
)

// Event is an append-only lifecycle record. One row is written in the
// same transaction as every status transition, so the event log is a
// faithful projection of notification state.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	NotificationID uuid.UUID      `json:"notification_id"`
	Type           EventType      `json:"event_type"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event for a notification transition.
func NewEvent(notificationID uuid.UUID, typ EventType, metadata map[string]any) *Event {
	return &Event{
		ID:             uuid.New(),
		NotificationID: notificationID,
		Type:           typ,
		Timestamp:      time.Now().UTC(),
		Metadata:       metadata,
	}
}
