package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsertWebhookEvent appends the raw delivery audit row. The unique index
// on dedupe_key is the idempotency gate: a constraint violation means the
// event was already recorded and the caller short-circuits with success.
func (r *Repository) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (
			id, provider, provider_user_id, event_type, payload, dedupe_key, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING received_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		ev.ID,
		ev.Provider,
		ev.ProviderUserID,
		ev.EventType,
		ev.Payload,
		ev.DedupeKey,
		ev.Status,
	).Scan(&ev.ReceivedAt)

	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	if err != nil {
		r.logger.Error("failed to insert webhook event",
			zap.Error(err),
			zap.String("provider", ev.Provider),
			zap.String("dedupe_key", ev.DedupeKey),
		)
		return fmt.Errorf("insert webhook event: %w", err)
	}

	return nil
}

// UpdateWebhookEventStatus records the processing outcome for an event.
func (r *Repository) UpdateWebhookEventStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error {
	query := `
		UPDATE webhook_events
		SET status = $1, error_message = $2, processed_at = NOW()
		WHERE id = $3
	`

	tag, err := r.db.Pool().Exec(ctx, query, status, errorMsg, id)
	if err != nil {
		return fmt.Errorf("update webhook event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	return nil
}

// ListStalledWebhookEvents returns events stuck in the received state,
// oldest first. A crashed worker leaves its event here; the next scheduled
// sync tick is the retry path, this listing is for operators.
func (r *Repository) ListStalledWebhookEvents(ctx context.Context, limit int) ([]*WebhookEvent, error) {
	query := `
		SELECT id, provider, provider_user_id, event_type, payload,
		       dedupe_key, status, error_message, received_at, processed_at
		FROM webhook_events
		WHERE status = $1 AND received_at < NOW() - INTERVAL '10 minutes'
		ORDER BY received_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, EventStatusReceived, limit)
	if err != nil {
		return nil, fmt.Errorf("query stalled webhook events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		err := rows.Scan(
			&ev.ID,
			&ev.Provider,
			&ev.ProviderUserID,
			&ev.EventType,
			&ev.Payload,
			&ev.DedupeKey,
			&ev.Status,
			&ev.ErrorMessage,
			&ev.ReceivedAt,
			&ev.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
