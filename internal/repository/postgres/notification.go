package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relay-one/dispatch-engine/internal/domain"
)

const notificationColumns = `
	id, user_id, tenant_id, channel, type, priority, status, payload,
	scheduled_for, sent_at, delivered_at, failed_at, retry_count, max_retries,
	error_message, idempotency_key, correlation_id, provider_message_id,
	created_at, updated_at`

// NotificationRepository implements domain.NotificationRepository using
// PostgreSQL. Every status transition writes its Event row in the same
// transaction, so the event log never diverges from notification state.
type NotificationRepository struct {
	db *DB
}

// NewNotificationRepository creates a new NotificationRepository
func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts the notification plus its CREATED or SCHEDULED event.
// The unique index on idempotency_key is the authoritative dedup guard.
func (r *NotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	ctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO notifications (` + notificationColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
	`

	_, err = tx.Exec(ctx, query,
		n.ID, n.UserID, n.TenantID, n.Channel, n.Type, n.Priority, n.Status, n.Payload,
		n.ScheduledFor, n.SentAt, n.DeliveredAt, n.FailedAt, n.RetryCount, n.MaxRetries,
		n.ErrorMessage, n.IdempotencyKey, n.CorrelationID, n.ProviderMessageID,
		n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrIdempotencyConflict
		}
		return fmt.Errorf("failed to create notification: %w", err)
	}

	eventType := domain.EventCreated
	if n.Status == domain.StatusScheduled {
		eventType = domain.EventScheduled
	}
	if err := insertEvent(ctx, tx, domain.NewEvent(n.ID, eventType, map[string]any{
		"channel":        n.Channel,
		"correlation_id": n.CorrelationID,
	})); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a notification by ID
func (r *NotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	return r.scanNotification(ctx, query, id)
}

// GetByIdempotencyKey retrieves a notification by idempotency key
func (r *NotificationRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE idempotency_key = $1`
	return r.scanNotification(ctx, query, key)
}

// GetByProviderMessageID retrieves a notification by the id the provider
// assigned on dispatch. Used by the status ingress callback path.
func (r *NotificationRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE provider_message_id = $1`
	return r.scanNotification(ctx, query, providerMessageID)
}

// ClaimProcessing is the PENDING/RETRYING → PROCESSING CAS. The WHERE
// clause is the serialization point: whichever worker's UPDATE lands
// first owns the notification, the loser sees zero rows.
func (r *NotificationRepository) ClaimProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE notifications
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)
	`

	result, err := tx.Exec(ctx, query, id,
		domain.StatusProcessing, domain.StatusPending, domain.StatusRetrying)
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, domain.NewEvent(id, domain.EventProcessing, nil)); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// MarkSent records provider acceptance; sent_at is set here and nowhere else.
func (r *NotificationRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	query := `
		UPDATE notifications
		SET status = $2, provider_message_id = $3, sent_at = now(), updated_at = now()
		WHERE id = $1 AND status = $4
	`

	return r.transition(ctx, query,
		[]any{id, domain.StatusSent, providerMessageID, domain.StatusProcessing},
		domain.NewEvent(id, domain.EventSent, map[string]any{"provider_message_id": providerMessageID}),
	)
}

// MarkDelivered flips SENT → DELIVERED on a provider callback.
func (r *NotificationRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = $2, delivered_at = now(), updated_at = now()
		WHERE id = $1 AND status = $3
	`

	return r.transition(ctx, query,
		[]any{id, domain.StatusDelivered, domain.StatusSent},
		domain.NewEvent(id, domain.EventDelivered, nil),
	)
}

// MarkRetrying increments retry_count inside the same guarded update so
// retry_count can never exceed max_retries.
func (r *NotificationRepository) MarkRetrying(ctx context.Context, id uuid.UUID, errorMsg string) error {
	query := `
		UPDATE notifications
		SET status = $2, retry_count = retry_count + 1, error_message = $3, updated_at = now()
		WHERE id = $1 AND status = $4 AND retry_count < max_retries
	`

	return r.transition(ctx, query,
		[]any{id, domain.StatusRetrying, errorMsg, domain.StatusProcessing},
		domain.NewEvent(id, domain.EventRetrying, map[string]any{"error": errorMsg}),
	)
}

// MarkFailed is terminal. Reachable from PROCESSING and RETRYING on the
// dispatch path and from SENT on a failed provider callback.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg, reason string) error {
	query := `
		UPDATE notifications
		SET status = $2, error_message = $3, failed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($4, $5, $6)
	`

	return r.transition(ctx, query,
		[]any{id, domain.StatusFailed, errorMsg,
			domain.StatusProcessing, domain.StatusRetrying, domain.StatusSent},
		domain.NewEvent(id, domain.EventFailed, map[string]any{"error": errorMsg, "reason": reason}),
	)
}

// MarkCancelled succeeds only from non-terminal statuses; a false return
// means the notification already reached a terminal state.
func (r *NotificationRepository) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE notifications
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)
	`

	result, err := tx.Exec(ctx, query, id, domain.StatusCancelled,
		domain.StatusDelivered, domain.StatusFailed, domain.StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, domain.NewEvent(id, domain.EventCancelled, nil)); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// AdvanceScheduled is the SCHEDULED → PENDING CAS run by the scheduler.
func (r *NotificationRepository) AdvanceScheduled(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE notifications
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`

	result, err := tx.Exec(ctx, query, id, domain.StatusPending, domain.StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to advance scheduled notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, domain.NewEvent(id, domain.EventPending, nil)); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// FindDueScheduled retrieves scheduled notifications whose due time has passed.
func (r *NotificationRepository) FindDueScheduled(ctx context.Context, before time.Time, limit int) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3
	`

	return r.scanNotifications(ctx, query, domain.StatusScheduled, before, limit)
}

// FindStuckPending retrieves PENDING rows whose publish never happened,
// i.e. rows untouched since before the threshold.
func (r *NotificationRepository) FindStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	return r.scanNotifications(ctx, query, domain.StatusPending, olderThan, limit)
}

// FindStuckProcessing retrieves claims orphaned by a crashed or aborted
// worker: PROCESSING rows that never reached the provider.
func (r *NotificationRepository) FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1 AND sent_at IS NULL AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	return r.scanNotifications(ctx, query, domain.StatusProcessing, olderThan, limit)
}

// RevertProcessing releases an orphaned claim back to PENDING. The
// sent_at guard keeps a row whose MarkSent write was lost from being
// dispatched twice.
func (r *NotificationRepository) RevertProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE notifications
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3 AND sent_at IS NULL
	`

	result, err := tx.Exec(ctx, query, id, domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to revert processing notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, domain.NewEvent(id, domain.EventPending, map[string]any{
		"recovered_from": string(domain.StatusProcessing),
	})); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// ListEvents returns the lifecycle trail for one notification, oldest first.
func (r *NotificationRepository) ListEvents(ctx context.Context, notificationID uuid.UUID) ([]*domain.Event, error) {
	ctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	query := `
		SELECT id, notification_id, event_type, timestamp, metadata
		FROM notification_events
		WHERE notification_id = $1
		ORDER BY timestamp ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.Event, 0)
	for rows.Next() {
		e := &domain.Event{}
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.Type, &e.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(metadata) > 0 {
			json.Unmarshal(metadata, &e.Metadata)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// Helper functions

// transition runs a guarded status update plus its event insert in one
// transaction. Zero affected rows means the guard rejected the move.
func (r *NotificationRepository) transition(ctx context.Context, query string, args []any, event *domain.Event) error {
	ctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *domain.Event) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO notification_events (id, notification_id, event_type, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := tx.Exec(ctx, query, e.ID, e.NotificationID, e.Type, e.Timestamp, metadata); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

func (r *NotificationRepository) scanNotification(ctx context.Context, query string, args ...any) (*domain.Notification, error) {
	ctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	row := r.db.Pool.QueryRow(ctx, query, args...)

	n := &domain.Notification{}
	err := row.Scan(
		&n.ID, &n.UserID, &n.TenantID, &n.Channel, &n.Type, &n.Priority, &n.Status, &n.Payload,
		&n.ScheduledFor, &n.SentAt, &n.DeliveredAt, &n.FailedAt, &n.RetryCount, &n.MaxRetries,
		&n.ErrorMessage, &n.IdempotencyKey, &n.CorrelationID, &n.ProviderMessageID,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	return n, nil
}

func (r *NotificationRepository) scanNotifications(ctx context.Context, query string, args ...any) ([]*domain.Notification, error) {
	ctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*domain.Notification, 0)
	for rows.Next() {
		n := &domain.Notification{}
		err := rows.Scan(
			&n.ID, &n.UserID, &n.TenantID, &n.Channel, &n.Type, &n.Priority, &n.Status, &n.Payload,
			&n.ScheduledFor, &n.SentAt, &n.DeliveredAt, &n.FailedAt, &n.RetryCount, &n.MaxRetries,
			&n.ErrorMessage, &n.IdempotencyKey, &n.CorrelationID, &n.ProviderMessageID,
			&n.CreatedAt, &n.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifications, nil
}
