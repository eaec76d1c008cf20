package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Sentinel errors surfaced by the repositories.
var (
	ErrTokenNotFound  = errors.New("integration token not found")
	ErrDuplicateEvent = errors.New("webhook event already recorded")
	ErrNoSyncState    = errors.New("no sync state recorded")
	ErrUserNotFound   = errors.New("user not found")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Repository handles database operations for the sync core's four tables:
// integration_tokens, webhook_events, sync_state, notification_records.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertToken writes a token for (user, provider), replacing any previous
// row for the pair in one statement. The conflict target is the unique
// (user_id, provider) index, so two concurrent connects can never leave
// two active rows behind.
func (r *Repository) UpsertToken(ctx context.Context, tok *IntegrationToken) error {
	query := `
		INSERT INTO integration_tokens (
			id, user_id, provider, access_token, refresh_token,
			expires_at, provider_user_id, scopes, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			provider_user_id = EXCLUDED.provider_user_id,
			scopes = EXCLUDED.scopes,
			is_active = TRUE,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		tok.ID,
		tok.UserID,
		tok.Provider,
		tok.AccessToken,
		tok.RefreshToken,
		tok.ExpiresAt,
		tok.ProviderUserID,
		tok.Scopes,
	).Scan(&tok.ID, &tok.CreatedAt, &tok.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to upsert integration token",
			zap.Error(err),
			zap.String("user_id", tok.UserID.String()),
			zap.String("provider", tok.Provider),
		)
		return fmt.Errorf("upsert token: %w", err)
	}

	r.logger.Info("integration token stored",
		zap.String("user_id", tok.UserID.String()),
		zap.String("provider", tok.Provider),
	)

	return nil
}

const tokenColumns = `
	id, user_id, provider, access_token, refresh_token,
	expires_at, provider_user_id, scopes, is_active,
	created_at, updated_at
`

func scanToken(row pgx.Row) (*IntegrationToken, error) {
	var tok IntegrationToken
	err := row.Scan(
		&tok.ID,
		&tok.UserID,
		&tok.Provider,
		&tok.AccessToken,
		&tok.RefreshToken,
		&tok.ExpiresAt,
		&tok.ProviderUserID,
		&tok.Scopes,
		&tok.IsActive,
		&tok.CreatedAt,
		&tok.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// GetToken retrieves the active token for (user, provider).
func (r *Repository) GetToken(ctx context.Context, userID uuid.UUID, provider string) (*IntegrationToken, error) {
	query := `SELECT ` + tokenColumns + `
		FROM integration_tokens
		WHERE user_id = $1 AND provider = $2 AND is_active`

	tok, err := scanToken(r.db.Pool().QueryRow(ctx, query, userID, provider))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}
	return tok, nil
}

// GetTokenByProviderUser maps a webhook's remote account id back to the
// internal user. Webhooks identify the provider account, not the user.
func (r *Repository) GetTokenByProviderUser(ctx context.Context, provider, providerUserID string) (*IntegrationToken, error) {
	query := `SELECT ` + tokenColumns + `
		FROM integration_tokens
		WHERE provider = $1 AND provider_user_id = $2 AND is_active`

	tok, err := scanToken(r.db.Pool().QueryRow(ctx, query, provider, providerUserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query token by provider user: %w", err)
	}
	return tok, nil
}

// ListTokens returns all active tokens for a user.
func (r *Repository) ListTokens(ctx context.Context, userID uuid.UUID) ([]*IntegrationToken, error) {
	query := `SELECT ` + tokenColumns + `
		FROM integration_tokens
		WHERE user_id = $1 AND is_active
		ORDER BY provider`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*IntegrationToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// RotateToken atomically replaces token material, guarded by the previous
// access token. Returns false when another writer already rotated the row;
// the caller re-reads and uses the winner's token instead of clobbering it.
func (r *Repository) RotateToken(ctx context.Context, id uuid.UUID, oldAccess, newAccess string, newRefresh *string, expiresAt *time.Time) (bool, error) {
	query := `
		UPDATE integration_tokens
		SET access_token = $1,
		    refresh_token = COALESCE($2, refresh_token),
		    expires_at = $3,
		    updated_at = NOW()
		WHERE id = $4 AND access_token = $5 AND is_active
	`

	tag, err := r.db.Pool().Exec(ctx, query, newAccess, newRefresh, expiresAt, id, oldAccess)
	if err != nil {
		return false, fmt.Errorf("rotate token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeactivateToken soft-deletes a token and wipes its secret material.
// This is the only path that removes local secrets.
func (r *Repository) DeactivateToken(ctx context.Context, userID uuid.UUID, provider string) error {
	query := `
		UPDATE integration_tokens
		SET is_active = FALSE,
		    access_token = '',
		    refresh_token = NULL,
		    updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND is_active
	`

	tag, err := r.db.Pool().Exec(ctx, query, userID, provider)
	if err != nil {
		return fmt.Errorf("deactivate token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}

	r.logger.Info("integration token deactivated",
		zap.String("user_id", userID.String()),
		zap.String("provider", provider),
	)
	return nil
}

// ListActiveUserIDs returns every user with at least one active
// integration, for the scheduled poll sweep.
func (r *Repository) ListActiveUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT DISTINCT user_id FROM integration_tokens WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetUserEmail reads the user's email from the web app's users table.
// The table is owned by the surrounding product; the core only reads it
// for notification delivery.
func (r *Repository) GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := r.db.Pool().QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query user email: %w", err)
	}
	return email, nil
}
