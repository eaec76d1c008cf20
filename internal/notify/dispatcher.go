// Package notify decides whether ingested data should alert the user and
// guarantees at-most-once delivery per notification class via the
// insert-if-absent dedupe record.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/db"
	"github.com/moccet/moccet-health-sub016/internal/metrics"
	"github.com/moccet/moccet-health-sub016/internal/provider"
)

// Notification categories.
const (
	CategoryEngagement   = "forge_engagement"
	CategoryLowReadiness = "low_readiness"
	CategoryGlucoseAlert = "glucose_alert"
	CategoryMessageNudge = "message_digest"
)

// Alert thresholds on normalized metrics.
const (
	lowReadinessThreshold = 60
	glucoseLowMgdl        = 70
	glucoseHighMgdl       = 180
)

// RecordStore claims dedupe keys.
type RecordStore interface {
	InsertNotificationRecord(ctx context.Context, rec *db.NotificationRecord) (bool, error)
}

// Pusher delivers a notification to the user through some channel.
type Pusher interface {
	Push(ctx context.Context, userID uuid.UUID, category, title, body string) error
}

// Dispatcher turns normalized events into user notifications.
type Dispatcher struct {
	records RecordStore
	pusher  Pusher
	logger  *zap.Logger
}

func NewDispatcher(records RecordStore, pusher Pusher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		records: records,
		pusher:  pusher,
		logger:  logger,
	}
}

// MaybeNotify sends at most one notification per dedupe key, ever.
// Concurrent callers race on the unique index; only the insert winner
// pushes. Returns whether this call performed the send.
func (d *Dispatcher) MaybeNotify(ctx context.Context, userID uuid.UUID, category, title, body, dedupeKey string) (bool, error) {
	won, err := d.records.InsertNotificationRecord(ctx, &db.NotificationRecord{
		ID:        uuid.New(),
		UserID:    userID,
		Category:  category,
		DedupeKey: dedupeKey,
	})
	if err != nil {
		return false, err
	}
	if !won {
		metrics.RecordNotificationSuppressed(category)
		return false, nil
	}

	if err := d.pusher.Push(ctx, userID, category, title, body); err != nil {
		// The dedupe row is already claimed; a failed push is not retried
		// so the user is never double-notified for one trigger.
		d.logger.Error("notification push failed",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("category", category),
		)
		return true, err
	}

	metrics.RecordNotificationSent(category)
	d.logger.Info("notification sent",
		zap.String("user_id", userID.String()),
		zap.String("category", category),
		zap.String("dedupe_key", dedupeKey),
	)
	return true, nil
}

// Dispatch consumes a batch of normalized events and applies the alert
// rules. Rule failures are logged per event; the batch never aborts.
func (d *Dispatcher) Dispatch(ctx context.Context, events []provider.NormalizedEvent) {
	for _, ev := range events {
		d.dispatchOne(ctx, ev)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, ev provider.NormalizedEvent) {
	// Any synced data at all counts as engagement, announced once ever.
	engageKey := fmt.Sprintf("%s:%s", CategoryEngagement, ev.UserID)
	if _, err := d.MaybeNotify(ctx, ev.UserID, CategoryEngagement,
		"You're all set",
		"Your first data just arrived. Insights will appear as more syncs in.",
		engageKey,
	); err != nil {
		d.logger.Warn("engagement notification failed", zap.Error(err))
	}

	day := ev.OccurredAt.Format("2006-01-02")

	switch ev.Category {
	case provider.CategoryReadiness:
		score, ok := readinessScore(ev.Metrics)
		if ok && score < lowReadinessThreshold {
			key := fmt.Sprintf("%s:%s:%s", CategoryLowReadiness, ev.UserID, day)
			if _, err := d.MaybeNotify(ctx, ev.UserID, CategoryLowReadiness,
				"Take it easy today",
				fmt.Sprintf("Your readiness score is %.0f. Consider a lighter day.", score),
				key,
			); err != nil {
				d.logger.Warn("low readiness notification failed", zap.Error(err))
			}
		}

	case provider.CategoryGlucose:
		value := ev.Metrics["glucose_mgdl"]
		if value > 0 && (value < glucoseLowMgdl || value > glucoseHighMgdl) {
			key := fmt.Sprintf("%s:%s:%s", CategoryGlucoseAlert, ev.UserID, ev.SourceEventID)
			if _, err := d.MaybeNotify(ctx, ev.UserID, CategoryGlucoseAlert,
				"Glucose out of range",
				fmt.Sprintf("A reading of %.0f mg/dL was recorded.", value),
				key,
			); err != nil {
				d.logger.Warn("glucose notification failed", zap.Error(err))
			}
		}

	case provider.CategoryMessage:
		key := fmt.Sprintf("%s:%s:%s", CategoryMessageNudge, ev.UserID, day)
		if _, err := d.MaybeNotify(ctx, ev.UserID, CategoryMessageNudge,
			"Inbox activity",
			"New messages arrived in your connected accounts today.",
			key,
		); err != nil {
			d.logger.Warn("message digest notification failed", zap.Error(err))
		}
	}
}

// readinessScore picks the readiness metric across providers that name it
// differently.
func readinessScore(m map[string]float64) (float64, bool) {
	for _, name := range []string{"score", "recovery_score"} {
		if v, ok := m[name]; ok && v > 0 {
			return v, true
		}
	}
	return 0, false
}
