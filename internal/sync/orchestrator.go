// Package sync coordinates per-provider data pulls: webhook-triggered,
// API-triggered, and scheduled. One orchestrator instance serves all
// three paths so the non-overlap lease, interval gate, and circuit
// breakers see every attempt.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/moccet/moccet-health-sub016/internal/circuitbreaker"
	"github.com/moccet/moccet-health-sub016/internal/config"
	"github.com/moccet/moccet-health-sub016/internal/credentials"
	"github.com/moccet/moccet-health-sub016/internal/db"
	"github.com/moccet/moccet-health-sub016/internal/metrics"
	"github.com/moccet/moccet-health-sub016/internal/provider"
)

// Per-provider outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// maxConcurrentProviders bounds the fan-out of one user sync.
const maxConcurrentProviders = 4

// ProviderResult is the outcome of one provider's sync within a batch.
type ProviderResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Options modify a sync batch.
type Options struct {
	// Force bypasses the minimum-interval gate.
	Force bool
	// Providers restricts the batch; empty means all connected providers.
	Providers []string
}

// StateRepo persists sync progress.
type StateRepo interface {
	GetSyncState(ctx context.Context, userID uuid.UUID, provider string) (*db.SyncState, error)
	RecordSyncSuccess(ctx context.Context, userID uuid.UUID, provider string, cursor *string) error
	RecordSyncFailure(ctx context.Context, userID uuid.UUID, provider, errMsg string) error
}

// TokenSource supplies usable access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, userID uuid.UUID, provider string) (string, error)
	Connected(ctx context.Context, userID uuid.UUID) ([]*db.IntegrationToken, error)
}

// Locker provides the cross-instance non-overlap lease.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// EventSink consumes the normalized events a sync produces.
type EventSink interface {
	Dispatch(ctx context.Context, events []provider.NormalizedEvent)
}

// Orchestrator runs sync batches.
type Orchestrator struct {
	registry *provider.Registry
	tokens   TokenSource
	state    StateRepo
	locks    Locker
	breakers *circuitbreaker.Registry
	sink     EventSink
	cfg      *config.Config
	logger   *zap.Logger
}

func NewOrchestrator(
	registry *provider.Registry,
	tokens TokenSource,
	state StateRepo,
	locks Locker,
	breakers *circuitbreaker.Registry,
	sink EventSink,
	cfg *config.Config,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		tokens:   tokens,
		state:    state,
		locks:    locks,
		breakers: breakers,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
	}
}

// SyncUser runs one sync batch for a user. Providers run concurrently and
// fail independently; one provider's outage never blocks the others. The
// whole batch shares a wall-clock budget.
func (o *Orchestrator) SyncUser(ctx context.Context, userID uuid.UUID, opts Options) (map[string]ProviderResult, error) {
	providers := opts.Providers
	if len(providers) == 0 {
		tokens, err := o.tokens.Connected(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("list connected providers: %w", err)
		}
		for _, tok := range tokens {
			providers = append(providers, tok.Provider)
		}
	}
	if len(providers) == 0 {
		return map[string]ProviderResult{}, nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, o.cfg.SyncBudget)
	defer cancel()

	results := make(map[string]ProviderResult, len(providers))
	var g errgroup.Group
	g.SetLimit(maxConcurrentProviders)

	type outcome struct {
		provider string
		result   ProviderResult
	}
	outcomes := make(chan outcome, len(providers))

	for _, name := range providers {
		name := name
		g.Go(func() error {
			outcomes <- outcome{provider: name, result: o.syncOne(batchCtx, userID, name, opts.Force)}
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)

	for out := range outcomes {
		results[out.provider] = out.result
	}
	return results, nil
}

// SyncFromWebhook is the targeted sync behind a webhook delivery. The
// interval gate is bypassed; the provider just told us there is new data.
func (o *Orchestrator) SyncFromWebhook(ctx context.Context, userID uuid.UUID, providerName string) error {
	res := o.syncOne(ctx, userID, providerName, true)
	if res.Status == StatusFailed {
		return fmt.Errorf("sync %s: %s", providerName, res.Reason)
	}
	return nil
}

func (o *Orchestrator) syncOne(ctx context.Context, userID uuid.UUID, providerName string, force bool) ProviderResult {
	start := time.Now()
	result := o.doSync(ctx, userID, providerName, force)
	metrics.RecordSyncRun(providerName, result.Status, time.Since(start))
	return result
}

func (o *Orchestrator) doSync(ctx context.Context, userID uuid.UUID, providerName string, force bool) ProviderResult {
	adapter, ok := o.registry.Get(providerName)
	if !ok {
		return ProviderResult{Status: StatusSkipped, Reason: "unknown provider"}
	}

	// Non-overlap lease. A held lease means another sync for this pair is
	// already running somewhere; skipping is correct, not a failure.
	leaseKey := fmt.Sprintf("sync:%s:%s", userID, providerName)
	leaseToken, err := o.locks.Acquire(ctx, leaseKey, o.cfg.SyncBudget)
	if err != nil {
		return ProviderResult{Status: StatusFailed, Reason: fmt.Sprintf("acquire lease: %v", err)}
	}
	if leaseToken == "" {
		return ProviderResult{Status: StatusSkipped, Reason: "sync already in flight"}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.locks.Release(releaseCtx, leaseKey, leaseToken)
	}()

	var cursor string
	st, err := o.state.GetSyncState(ctx, userID, providerName)
	if err != nil && !errors.Is(err, db.ErrNoSyncState) {
		return ProviderResult{Status: StatusFailed, Reason: fmt.Sprintf("load sync state: %v", err)}
	}
	if st != nil {
		if st.Cursor != nil {
			cursor = *st.Cursor
		}
		if !force && st.LastSyncedAt != nil && time.Since(*st.LastSyncedAt) < o.interval(providerName) {
			return ProviderResult{Status: StatusSkipped, Reason: "synced recently"}
		}
	}

	accessToken, err := o.tokens.AccessToken(ctx, userID, providerName)
	if errors.Is(err, credentials.ErrNotConnected) {
		return ProviderResult{Status: StatusSkipped, Reason: "not connected"}
	}
	if err != nil {
		_ = o.state.RecordSyncFailure(ctx, userID, providerName, err.Error())
		return ProviderResult{Status: StatusFailed, Reason: err.Error()}
	}

	var fetched *provider.FetchResult
	execErr := o.breakers.For(providerName).Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
		defer cancel()

		var ferr error
		fetched, ferr = adapter.FetchIncremental(callCtx, accessToken, cursor)
		return ferr
	})
	if errors.Is(execErr, circuitbreaker.ErrCircuitOpen) {
		// Fail fast without touching sync state; the pair stays due.
		metrics.RecordBreakerRejection(providerName)
		return ProviderResult{Status: StatusSkipped, Reason: "provider circuit open"}
	}
	if execErr != nil {
		_ = o.state.RecordSyncFailure(ctx, userID, providerName, execErr.Error())
		o.logger.Warn("provider fetch failed",
			zap.Error(execErr),
			zap.String("user_id", userID.String()),
			zap.String("provider", providerName),
		)
		return ProviderResult{Status: StatusFailed, Reason: execErr.Error()}
	}

	events := adapter.Normalize(fetched.Records)
	for i := range events {
		events[i].UserID = userID
	}
	if len(events) > 0 {
		o.sink.Dispatch(ctx, events)
	}

	var newCursor *string
	if fetched.Cursor != "" {
		newCursor = &fetched.Cursor
	}
	if err := o.state.RecordSyncSuccess(ctx, userID, providerName, newCursor); err != nil {
		return ProviderResult{Status: StatusFailed, Reason: err.Error()}
	}

	o.logger.Info("provider sync complete",
		zap.String("user_id", userID.String()),
		zap.String("provider", providerName),
		zap.Int("records", len(fetched.Records)),
		zap.Int("events", len(events)),
	)
	return ProviderResult{Status: StatusSuccess}
}

func (o *Orchestrator) interval(providerName string) time.Duration {
	if creds, ok := o.cfg.Providers[providerName]; ok && creds.SyncInterval > 0 {
		return creds.SyncInterval
	}
	return o.cfg.DefaultSyncInterval
}
