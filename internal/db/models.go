package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IntegrationToken is the stored OAuth credential for one (user, provider)
// pair. Token material is encrypted before it reaches this struct's
// AccessToken/RefreshToken fields; the credentials package owns the codec.
// Exactly one active row exists per (user, provider), enforced by a unique
// index and upsert-on-conflict writes.
type IntegrationToken struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Provider       string     `json:"provider"`
	AccessToken    string     `json:"-"`
	RefreshToken   *string    `json:"-"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ProviderUserID string     `json:"provider_user_id"`
	Scopes         []string   `json:"scopes"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WebhookEvent is the append-only audit record for one inbound delivery.
// The unique dedupe_key column is the idempotency gate: the second insert
// of the same real-world event fails the constraint and the delivery is
// treated as already processed.
type WebhookEvent struct {
	ID             uuid.UUID       `json:"id"`
	Provider       string          `json:"provider"`
	ProviderUserID string          `json:"provider_user_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	DedupeKey      string          `json:"dedupe_key"`
	Status         string          `json:"status"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// Webhook event status constants
const (
	EventStatusReceived  = "received"
	EventStatusProcessed = "processed"
	EventStatusFailed    = "failed"
	EventStatusIgnored   = "ignored" // unknown account, verified but unmapped
)

// SyncState tracks incremental sync progress for one (user, provider) pair.
type SyncState struct {
	UserID         uuid.UUID  `json:"user_id"`
	Provider       string     `json:"provider"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
	LastSyncStatus string     `json:"last_sync_status"`
	Cursor         *string    `json:"-"`
	LastError      *string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Sync status constants
const (
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
)

// NotificationRecord marks a notification class as already delivered.
// A row, once written, permanently suppresses re-sends for its dedupe key.
type NotificationRecord struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Category  string    `json:"category"`
	DedupeKey string    `json:"dedupe_key"`
	SentAt    time.Time `json:"sent_at"`
}
