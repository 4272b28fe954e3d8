package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every published log message.
const SchemaVersion = "1"

// Log topics. The main topic is the work queue, the retry topic carries
// delayed re-attempts, the DLQ holds terminal failures.
const (
	TopicMain  = "notifications"
	TopicRetry = "notifications.retry"
	TopicDLQ   = "notifications.dlq"
)

// Log message header names. Every published message carries the first
// four; delivery-not-before appears only on the retry topic.
const (
	HeaderSchemaVersion     = "schema_version"
	HeaderIdempotencyKey    = "idempotency_key"
	HeaderPriority          = "priority"
	HeaderRetryCount        = "retry_count"
	HeaderDeliveryNotBefore = "delivery-not-before"
	HeaderProducerFailure   = "producer-failure"
)

// Message is the log payload published to the notifications topics.
// The partition key is always UserID so all notifications for one user
// land on one partition and stay ordered.
type Message struct {
	ID              uuid.UUID       `json:"id"`
	SchemaVersion   string          `json:"schema_version"`
	Timestamp       time.Time       `json:"timestamp"`
	UserID          string          `json:"user_id"`
	TenantID        *string         `json:"tenant_id,omitempty"`
	Channel         Channel         `json:"channel"`
	Type            Type            `json:"type"`
	Priority        Priority        `json:"priority"`
	Payload         json.RawMessage `json:"payload"`
	ScheduledFor    *time.Time      `json:"scheduled_for,omitempty"`
	CorrelationID   string          `json:"correlation_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	RetryCount      int             `json:"retry_count"`
	AttemptDeadline *time.Time      `json:"attempt_deadline,omitempty"`
}

// NewMessage builds the log message for a notification. RetryCount lets
// the consumer distinguish fresh work from a retry.
func NewMessage(n *Notification) *Message {
	return &Message{
		ID:             n.ID,
		SchemaVersion:  SchemaVersion,
		Timestamp:      time.Now().UTC(),
		UserID:         n.UserID,
		TenantID:       n.TenantID,
		Channel:        n.Channel,
		Type:           n.Type,
		Priority:       n.Priority,
		Payload:        n.Payload,
		ScheduledFor:   n.ScheduledFor,
		CorrelationID:  n.CorrelationID,
		IdempotencyKey: n.IdempotencyKey,
		RetryCount:     n.RetryCount,
	}
}

// DeadLetter is the DLQ payload wrapping the original message with the
// failure context needed for inspection and replay.
type DeadLetter struct {
	OriginalMessage *Message  `json:"original_message"`
	ErrorKind       ErrorKind `json:"error_kind"`
	ErrorMessage    string    `json:"error_message"`
	Reason          string    `json:"reason"`
	FailedAt        time.Time `json:"failed_at"`
	RetryCount      int       `json:"retry_count"`
	Topic           string    `json:"topic"`
	Partition       int32     `json:"partition"`
	Offset          int64     `json:"offset"`
}

// DLQ admission reasons.
const (
	DLQReasonPermanentError     = "permanent_error"
	DLQReasonMaxRetriesExceeded = "max_retries_exceeded"
	DLQReasonRetryEnqueueFailed = "retry_enqueue_failed"
)
