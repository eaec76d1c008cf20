package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// GetSyncState returns sync progress for (user, provider).
// ErrNoSyncState means the pair has never synced.
func (r *Repository) GetSyncState(ctx context.Context, userID uuid.UUID, provider string) (*SyncState, error) {
	query := `
		SELECT user_id, provider, last_synced_at, last_sync_status,
		       cursor, last_error, updated_at
		FROM sync_state
		WHERE user_id = $1 AND provider = $2
	`

	var st SyncState
	err := r.db.Pool().QueryRow(ctx, query, userID, provider).Scan(
		&st.UserID,
		&st.Provider,
		&st.LastSyncedAt,
		&st.LastSyncStatus,
		&st.Cursor,
		&st.LastError,
		&st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSyncState
	}
	if err != nil {
		return nil, fmt.Errorf("query sync state: %w", err)
	}
	return &st, nil
}

// ListSyncStates returns all sync state rows for a user.
func (r *Repository) ListSyncStates(ctx context.Context, userID uuid.UUID) ([]*SyncState, error) {
	query := `
		SELECT user_id, provider, last_synced_at, last_sync_status,
		       cursor, last_error, updated_at
		FROM sync_state
		WHERE user_id = $1
		ORDER BY provider
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sync states: %w", err)
	}
	defer rows.Close()

	var states []*SyncState
	for rows.Next() {
		var st SyncState
		err := rows.Scan(
			&st.UserID,
			&st.Provider,
			&st.LastSyncedAt,
			&st.LastSyncStatus,
			&st.Cursor,
			&st.LastError,
			&st.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sync state: %w", err)
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}

// RecordSyncSuccess advances the cursor and stamps a successful sync.
// A nil cursor keeps the previous one (providers without pagination).
func (r *Repository) RecordSyncSuccess(ctx context.Context, userID uuid.UUID, provider string, cursor *string) error {
	query := `
		INSERT INTO sync_state (user_id, provider, last_synced_at, last_sync_status, cursor, last_error)
		VALUES ($1, $2, NOW(), $3, $4, NULL)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			last_synced_at = NOW(),
			last_sync_status = EXCLUDED.last_sync_status,
			cursor = COALESCE(EXCLUDED.cursor, sync_state.cursor),
			last_error = NULL,
			updated_at = NOW()
	`

	if _, err := r.db.Pool().Exec(ctx, query, userID, provider, SyncStatusSuccess, cursor); err != nil {
		return fmt.Errorf("record sync success: %w", err)
	}
	return nil
}

// RecordSyncFailure stamps a failed attempt. The cursor column is
// deliberately untouched so the next attempt resumes from the last
// known-good position instead of refetching from scratch.
func (r *Repository) RecordSyncFailure(ctx context.Context, userID uuid.UUID, provider, errMsg string) error {
	query := `
		INSERT INTO sync_state (user_id, provider, last_sync_status, last_error)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			last_sync_status = EXCLUDED.last_sync_status,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`

	if _, err := r.db.Pool().Exec(ctx, query, userID, provider, SyncStatusFailed, errMsg); err != nil {
		r.logger.Error("failed to record sync failure",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("provider", provider),
		)
		return fmt.Errorf("record sync failure: %w", err)
	}
	return nil
}
