package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/credentials"
	"github.com/moccet/moccet-health-sub016/internal/db"
	"github.com/moccet/moccet-health-sub016/internal/metrics"
	"github.com/moccet/moccet-health-sub016/internal/provider"
)

const maxWebhookBody = 1 << 20

// EventStore persists webhook audit rows.
type EventStore interface {
	InsertWebhookEvent(ctx context.Context, ev *db.WebhookEvent) error
}

// UserResolver maps a provider account id to the internal user.
type UserResolver interface {
	ResolveUser(ctx context.Context, provider, providerUserID string) (uuid.UUID, error)
}

// Ingestor is the webhook front door. Policy: acknowledge everything with
// 200 as fast as possible. Signature failures, unknown accounts, and
// malformed bodies are logged and counted, never surfaced to the sender;
// a webhook endpoint returning errors invites provider-side retry storms
// and probing.
type Ingestor struct {
	registry *provider.Registry
	events   EventStore
	resolver UserResolver
	queue    Queue
	logger   *zap.Logger
}

func NewIngestor(registry *provider.Registry, events EventStore, resolver UserResolver, queue Queue, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		registry: registry,
		events:   events,
		resolver: resolver,
		queue:    queue,
		logger:   logger,
	}
}

// HandleWebhook serves GET and POST /webhooks/{provider}.
func (in *Ingestor) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	adapter, ok := in.registry.Get(providerName)
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		in.logger.Warn("failed to read webhook body",
			zap.Error(err),
			zap.String("provider", providerName),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Subscription handshakes come in unsigned and must be answered in
	// the provider's own dialect.
	if adapter.Handshake(w, r, body) {
		return
	}
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	metrics.RecordWebhookReceived(providerName)

	if !adapter.VerifyWebhook(r.Header, body) {
		metrics.RecordWebhookVerificationFailure(providerName)
		in.logger.Warn("webhook failed verification",
			zap.String("provider", providerName),
			zap.String("remote_addr", r.RemoteAddr),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	meta, err := adapter.ParseWebhook(body)
	if err != nil {
		in.logger.Warn("webhook body unparseable",
			zap.Error(err),
			zap.String("provider", providerName),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	in.ingest(r.Context(), providerName, meta, body)
	w.WriteHeader(http.StatusOK)
}

func (in *Ingestor) ingest(ctx context.Context, providerName string, meta *provider.WebhookMeta, body []byte) {
	ev := &db.WebhookEvent{
		ID:             uuid.New(),
		Provider:       providerName,
		ProviderUserID: meta.ProviderUserID,
		EventType:      meta.EventType,
		Payload:        body,
		DedupeKey:      meta.DedupeKey,
		Status:         db.EventStatusReceived,
	}

	userID, err := in.resolver.ResolveUser(ctx, providerName, meta.ProviderUserID)
	if errors.Is(err, credentials.ErrNotConnected) {
		// Verified but unmapped. Keep the audit row, make no downstream
		// calls; the account may belong to a user who disconnected.
		metrics.RecordWebhookUnknownAccount(providerName)
		ev.Status = db.EventStatusIgnored
		if ierr := in.events.InsertWebhookEvent(ctx, ev); ierr != nil && !errors.Is(ierr, db.ErrDuplicateEvent) {
			in.logger.Error("failed to audit unmapped webhook", zap.Error(ierr))
		}
		in.logger.Warn("webhook for unmapped account",
			zap.String("provider", providerName),
			zap.String("provider_user_id", meta.ProviderUserID),
		)
		return
	}
	if err != nil {
		in.logger.Error("account resolution failed",
			zap.Error(err),
			zap.String("provider", providerName),
		)
		return
	}

	if err := in.events.InsertWebhookEvent(ctx, ev); err != nil {
		if errors.Is(err, db.ErrDuplicateEvent) {
			metrics.RecordWebhookDuplicate(providerName)
			in.logger.Debug("duplicate webhook delivery",
				zap.String("provider", providerName),
				zap.String("dedupe_key", meta.DedupeKey),
			)
			return
		}
		in.logger.Error("failed to record webhook event", zap.Error(err))
		return
	}

	job := Job{EventID: ev.ID, UserID: userID, Provider: providerName}
	if err := in.queue.Enqueue(ctx, job); err != nil {
		// The row stays in the received state; the scheduled poll is the
		// retry path.
		in.logger.Warn("failed to enqueue sync job",
			zap.Error(err),
			zap.String("event_id", ev.ID.String()),
			zap.String("provider", providerName),
		)
	}
}
