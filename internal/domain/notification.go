package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel represents the notification delivery channel
type Channel string

const (
	ChannelEmail       Channel = "EMAIL"
	ChannelSMS         Channel = "SMS"
	ChannelPushIOS     Channel = "PUSH_IOS"
	ChannelPushAndroid Channel = "PUSH_ANDROID"
	ChannelWebhook     Channel = "WEBHOOK"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPushIOS, ChannelPushAndroid, ChannelWebhook:
		return true
	}
	return false
}

// Channels lists every valid channel in a stable order.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelPushIOS, ChannelPushAndroid, ChannelWebhook}
}

// Type classifies the business intent of a notification
type Type string

const (
	TypeTransactional Type = "TRANSACTIONAL"
	TypeMarketing     Type = "MARKETING"
	TypeAlert         Type = "ALERT"
	TypeReminder      Type = "REMINDER"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeTransactional, TypeMarketing, TypeAlert, TypeReminder:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusScheduled  Status = "SCHEDULED"
	StatusProcessing Status = "PROCESSING"
	StatusRetrying   Status = "RETRYING"
	StatusSent       Status = "SENT"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the status DAG. Cancellation from any non-terminal
// status is handled separately in CanTransition.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusPending},
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusSent, StatusRetrying, StatusFailed},
	StatusRetrying:   {StatusProcessing, StatusFailed},
	StatusSent:       {StatusDelivered, StatusFailed},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Notification is the canonical record. The Store owns it from the
// moment ingestion commits it; worker copies are transient and authority
// returns to the Store on every transition.
type Notification struct {
	ID                uuid.UUID       `json:"id"`
	UserID            string          `json:"user_id"`
	TenantID          *string         `json:"tenant_id,omitempty"`
	Channel           Channel         `json:"channel"`
	Type              Type            `json:"type"`
	Priority          Priority        `json:"priority"`
	Status            Status          `json:"status"`
	Payload           json.RawMessage `json:"payload"`
	ScheduledFor      *time.Time      `json:"scheduled_for,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key"`
	CorrelationID     string          `json:"correlation_id"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewNotification creates a PENDING notification with audit timestamps set.
func NewNotification(userID string, channel Channel, typ Type, payload json.RawMessage) *Notification {
	now := time.Now().UTC()
	return &Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Channel:   channel,
		Type:      typ,
		Priority:  PriorityMedium,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsDue reports whether the notification may be dispatched at now.
func (n *Notification) IsDue(now time.Time) bool {
	return n.ScheduledFor == nil || !n.ScheduledFor.After(now)
}

// RetriesExhausted reports whether no further delivery attempt is allowed.
func (n *Notification) RetriesExhausted() bool {
	return n.RetryCount >= n.MaxRetries
}

func (n *Notification) CanCancel() bool {
	return !n.Status.IsTerminal()
}

// MarkAsProcessing transitions the in-memory copy to PROCESSING. The
// authoritative transition is the repository CAS; this keeps the copy
// consistent after the CAS succeeds.
func (n *Notification) MarkAsProcessing() {
	n.Status = StatusProcessing
	n.UpdatedAt = time.Now().UTC()
}

// MarkAsSent records provider acceptance. sent_at is set iff the provider
// acknowledged enqueue.
func (n *Notification) MarkAsSent(providerMessageID string) {
	now := time.Now().UTC()
	n.Status = StatusSent
	n.ProviderMessageID = &providerMessageID
	n.SentAt = &now
	n.UpdatedAt = now
}

func (n *Notification) MarkAsDelivered() {
	now := time.Now().UTC()
	n.Status = StatusDelivered
	n.DeliveredAt = &now
	n.UpdatedAt = now
}

// MarkAsRetrying records a transient failure that will be re-attempted.
func (n *Notification) MarkAsRetrying(errorMsg string) {
	n.Status = StatusRetrying
	n.ErrorMessage = &errorMsg
	n.RetryCount++
	n.UpdatedAt = time.Now().UTC()
}

// MarkAsFailed records a terminal failure.
func (n *Notification) MarkAsFailed(errorMsg string) {
	now := time.Now().UTC()
	n.Status = StatusFailed
	n.ErrorMessage = &errorMsg
	n.FailedAt = &now
	n.UpdatedAt = now
}

func (n *Notification) MarkAsCancelled() {
	n.Status = StatusCancelled
	n.UpdatedAt = time.Now().UTC()
}
