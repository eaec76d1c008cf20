package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// InsertNotificationRecord claims a notification dedupe key with an
// insert-if-absent. Returns true when this caller won the insert and owns
// the actual send; false means the key already exists and the notification
// is permanently suppressed. Two concurrent triggers for the same event
// race on the unique index and exactly one observes true.
func (r *Repository) InsertNotificationRecord(ctx context.Context, rec *NotificationRecord) (bool, error) {
	query := `
		INSERT INTO notification_records (id, user_id, category, dedupe_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dedupe_key) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query, rec.ID, rec.UserID, rec.Category, rec.DedupeKey)
	if err != nil {
		r.logger.Error("failed to insert notification record",
			zap.Error(err),
			zap.String("dedupe_key", rec.DedupeKey),
		)
		return false, fmt.Errorf("insert notification record: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}
