package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NotificationRepository is the Store boundary. Every transition method
// writes the matching Event row in the same transaction, and every
// guarded transition enforces the status DAG in its WHERE clause so two
// workers can never both claim one notification.
type NotificationRepository interface {
	// Create inserts the notification and its CREATED (or SCHEDULED)
	// event. Returns ErrIdempotencyConflict when the unique index on
	// idempotency_key rejects the insert.
	Create(ctx context.Context, n *Notification) error

	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*Notification, error)

	// ClaimProcessing is the PENDING/RETRYING → PROCESSING CAS. A false
	// return means another worker owns the notification (or it reached a
	// terminal state) and the caller must drop the message.
	ClaimProcessing(ctx context.Context, id uuid.UUID) (bool, error)

	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	// MarkRetrying increments retry_count and records the failure cause.
	MarkRetrying(ctx context.Context, id uuid.UUID, errorMsg string) error
	// MarkFailed is terminal; reason distinguishes DLQ admissions from
	// callback failures in the event metadata.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg, reason string) error
	// MarkCancelled succeeds only from non-terminal statuses.
	MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error)

	// AdvanceScheduled is the SCHEDULED → PENDING CAS used by the
	// scheduler at due time.
	AdvanceScheduled(ctx context.Context, id uuid.UUID) (bool, error)
	FindDueScheduled(ctx context.Context, before time.Time, limit int) ([]*Notification, error)
	// FindStuckPending returns PENDING rows older than the threshold,
	// i.e. rows whose publish from ingestion never happened.
	FindStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]*Notification, error)
	// FindStuckProcessing returns PROCESSING rows with no sent_at older
	// than the threshold: claims orphaned by a worker crash or an
	// aborted drain.
	FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*Notification, error)
	// RevertProcessing is the PROCESSING → PENDING CAS that releases an
	// orphaned claim. A false return means the row settled meanwhile.
	RevertProcessing(ctx context.Context, id uuid.UUID) (bool, error)

	ListEvents(ctx context.Context, notificationID uuid.UUID) ([]*Event, error)
}

// DedupCache is the short-TTL idempotency lookup. Writes are
// fire-and-forget-safe; the Store's unique index is the authoritative
// guard. SETNX-style locks serve the scheduler sweep.
type DedupCache interface {
	GetID(ctx context.Context, key string) (uuid.UUID, bool, error)
	SetID(ctx context.Context, key string, id uuid.UUID, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// Publisher is the Log producer boundary.
type Publisher interface {
	// Publish sends one message keyed by msg.UserID. The standard
	// headers (schema_version, idempotency_key, priority, retry_count)
	// are always attached; extra headers are merged on top.
	Publish(ctx context.Context, topic string, msg *Message, headers map[string]string) error
	PublishDeadLetter(ctx context.Context, dl *DeadLetter) error
}
