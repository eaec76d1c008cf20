package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/circuitbreaker"
	"github.com/moccet/moccet-health-sub016/internal/config"
	"github.com/moccet/moccet-health-sub016/internal/credentials"
	"github.com/moccet/moccet-health-sub016/internal/db"
	"github.com/moccet/moccet-health-sub016/internal/provider"
)

// pullAdapter plays back canned fetch outcomes and counts calls.
type pullAdapter struct {
	mu       sync.Mutex
	name     string
	fetches  int
	result   *provider.FetchResult
	fetchErr error
}

func (a *pullAdapter) Name() string                                              { return a.name }
func (a *pullAdapter) OAuth() provider.OAuthConfig                               { return provider.OAuthConfig{} }
func (a *pullAdapter) Handshake(http.ResponseWriter, *http.Request, []byte) bool { return false }
func (a *pullAdapter) VerifyWebhook(http.Header, []byte) bool                    { return true }
func (a *pullAdapter) ParseWebhook([]byte) (*provider.WebhookMeta, error) {
	return nil, provider.ErrMalformedWebhook
}

func (a *pullAdapter) FetchIncremental(_ context.Context, _, cursor string) (*provider.FetchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	if a.result != nil {
		return a.result, nil
	}
	return &provider.FetchResult{Cursor: cursor}, nil
}

func (a *pullAdapter) Normalize(records []json.RawMessage) []provider.NormalizedEvent {
	events := make([]provider.NormalizedEvent, 0, len(records))
	for range records {
		events = append(events, provider.NormalizedEvent{
			Provider: a.name,
			Category: provider.CategoryActivity,
			Metrics:  map[string]float64{"n": 1},
		})
	}
	return events
}

func (a *pullAdapter) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

type fakeStateRepo struct {
	mu        sync.Mutex
	states    map[string]*db.SyncState
	successes map[string]*string
	failures  map[string]string
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{
		states:    make(map[string]*db.SyncState),
		successes: make(map[string]*string),
		failures:  make(map[string]string),
	}
}

func stateKey(userID uuid.UUID, provider string) string {
	return userID.String() + ":" + provider
}

func (r *fakeStateRepo) GetSyncState(_ context.Context, userID uuid.UUID, provider string) (*db.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[stateKey(userID, provider)]
	if !ok {
		return nil, db.ErrNoSyncState
	}
	cp := *st
	return &cp, nil
}

func (r *fakeStateRepo) RecordSyncSuccess(_ context.Context, userID uuid.UUID, provider string, cursor *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes[stateKey(userID, provider)] = cursor
	now := time.Now()
	r.states[stateKey(userID, provider)] = &db.SyncState{
		UserID:         userID,
		Provider:       provider,
		LastSyncedAt:   &now,
		LastSyncStatus: db.SyncStatusSuccess,
		Cursor:         cursor,
	}
	return nil
}

func (r *fakeStateRepo) RecordSyncFailure(_ context.Context, userID uuid.UUID, provider, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[stateKey(userID, provider)] = errMsg
	// Cursor survives a failure; only the status columns change.
	if st, ok := r.states[stateKey(userID, provider)]; ok {
		st.LastSyncStatus = db.SyncStatusFailed
		st.LastError = &errMsg
	}
	return nil
}

type fakeTokens struct {
	token     string
	err       error
	connected []string
}

func (f *fakeTokens) AccessToken(context.Context, uuid.UUID, string) (string, error) {
	return f.token, f.err
}

func (f *fakeTokens) Connected(_ context.Context, userID uuid.UUID) ([]*db.IntegrationToken, error) {
	toks := make([]*db.IntegrationToken, 0, len(f.connected))
	for _, p := range f.connected {
		toks = append(toks, &db.IntegrationToken{UserID: userID, Provider: p})
	}
	return toks, nil
}

type fakeLocker struct {
	mu       sync.Mutex
	busy     map[string]bool
	acquired []string
	released []string
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[key] {
		return "", nil
	}
	l.acquired = append(l.acquired, key)
	return "lease-" + key, nil
}

func (l *fakeLocker) Release(_ context.Context, key, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, key)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []provider.NormalizedEvent
}

func (s *fakeSink) Dispatch(_ context.Context, events []provider.NormalizedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

type orchFixture struct {
	orch   *Orchestrator
	state  *fakeStateRepo
	tokens *fakeTokens
	locks  *fakeLocker
	sink   *fakeSink
}

func newOrchFixture(t *testing.T, adapters ...provider.Adapter) *orchFixture {
	t.Helper()

	registry := provider.NewRegistry()
	for _, a := range adapters {
		registry.Register(a)
	}

	cfg := &config.Config{
		SyncBudget:          time.Minute,
		ProviderTimeout:     5 * time.Second,
		DefaultSyncInterval: time.Hour,
		Providers:           map[string]config.ProviderCreds{},
	}

	f := &orchFixture{
		state:  newFakeStateRepo(),
		tokens: &fakeTokens{token: "bearer-token"},
		locks:  &fakeLocker{busy: make(map[string]bool)},
		sink:   &fakeSink{},
	}
	f.orch = NewOrchestrator(
		registry,
		f.tokens,
		f.state,
		f.locks,
		circuitbreaker.NewRegistry(nil, zap.NewNop()),
		f.sink,
		cfg,
		zap.NewNop(),
	)
	return f
}

func TestOrchestrator_SuccessfulSyncAdvancesCursorAndDispatches(t *testing.T) {
	adapter := &pullAdapter{
		name: "acme",
		result: &provider.FetchResult{
			Records: []json.RawMessage{[]byte(`{"a":1}`), []byte(`{"a":2}`)},
			Cursor:  "cur-2",
		},
	}
	f := newOrchFixture(t, adapter)
	userID := uuid.New()

	results, err := f.orch.SyncUser(context.Background(), userID, Options{Providers: []string{"acme"}})
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if results["acme"].Status != StatusSuccess {
		t.Fatalf("result = %+v", results["acme"])
	}

	cursor := f.state.successes[stateKey(userID, "acme")]
	if cursor == nil || *cursor != "cur-2" {
		t.Fatalf("cursor = %v", cursor)
	}

	if len(f.sink.events) != 2 {
		t.Fatalf("dispatched = %d", len(f.sink.events))
	}
	for _, ev := range f.sink.events {
		if ev.UserID != userID {
			t.Fatalf("event missing user id: %+v", ev)
		}
	}

	if len(f.locks.released) != 1 {
		t.Fatalf("released = %v, lease must be returned", f.locks.released)
	}
}

func TestOrchestrator_IntervalGateSkipsRecentSync(t *testing.T) {
	adapter := &pullAdapter{name: "acme"}
	f := newOrchFixture(t, adapter)
	userID := uuid.New()

	recent := time.Now().Add(-time.Minute)
	f.state.states[stateKey(userID, "acme")] = &db.SyncState{
		UserID:       userID,
		Provider:     "acme",
		LastSyncedAt: &recent,
	}

	results, _ := f.orch.SyncUser(context.Background(), userID, Options{Providers: []string{"acme"}})
	if results["acme"].Status != StatusSkipped {
		t.Fatalf("result = %+v", results["acme"])
	}
	if adapter.fetchCount() != 0 {
		t.Fatal("interval gate did not stop the fetch")
	}

	// Force bypasses the gate.
	results, _ = f.orch.SyncUser(context.Background(), userID, Options{Providers: []string{"acme"}, Force: true})
	if results["acme"].Status != StatusSuccess {
		t.Fatalf("forced result = %+v", results["acme"])
	}
	if adapter.fetchCount() != 1 {
		t.Fatalf("fetches = %d", adapter.fetchCount())
	}
}

func TestOrchestrator_HeldLeaseSkips(t *testing.T) {
	adapter := &pullAdapter{name: "acme"}
	f := newOrchFixture(t, adapter)
	userID := uuid.New()
	f.locks.busy[fmt.Sprintf("sync:%s:acme", userID)] = true

	results, _ := f.orch.SyncUser(context.Background(), userID, Options{Providers: []string{"acme"}})
	if results["acme"].Status != StatusSkipped {
		t.Fatalf("result = %+v", results["acme"])
	}
	if adapter.fetchCount() != 0 {
		t.Fatal("overlapping sync ran anyway")
	}
}

func TestOrchestrator_FetchFailurePreservesCursor(t *testing.T) {
	adapter := &pullAdapter{name: "acme", fetchErr: errors.New("upstream 500")}
	f := newOrchFixture(t, adapter)
	userID := uuid.New()

	oldCursor := "cur-1"
	f.state.states[stateKey(userID, "acme")] = &db.SyncState{
		UserID:   userID,
		Provider: "acme",
		Cursor:   &oldCursor,
	}

	results, _ := f.orch.SyncUser(context.Background(), userID, Options{Providers: []string{"acme"}})
	if results["acme"].Status != StatusFailed {
		t.Fatalf("result = %+v", results["acme"])
	}
	if f.state.failures[stateKey(userID, "acme")] == "" {
		t.Fatal("failure not recorded")
	}

	st := f.state.states[stateKey(userID, "acme")]
	if st.Cursor == nil || *st.Cursor != "cur-1" {
		t.Fatalf("cursor = %v, must survive a failed fetch", st.Cursor)
	}
}

func TestOrchestrator_NotConnectedSkips(t *testing.T) {
	adapter := &pullAdapter{name: "acme"}
	f := newOrchFixture(t, adapter)
	f.tokens.err = credentials.ErrNotConnected

	results, _ := f.orch.SyncUser(context.Background(), uuid.New(), Options{Providers: []string{"acme"}})
	if results["acme"].Status != StatusSkipped {
		t.Fatalf("result = %+v", results["acme"])
	}
}

func TestOrchestrator_OpenBreakerSkipsWithoutStateWrite(t *testing.T) {
	adapter := &pullAdapter{name: "acme", fetchErr: errors.New("upstream down")}
	f := newOrchFixture(t, adapter)
	userID := uuid.New()

	// Trip the breaker: DefaultConfig opens after 5 consecutive failures.
	for i := 0; i < 5; i++ {
		f.orch.SyncFromWebhook(context.Background(), userID, "acme")
	}
	failuresBefore := len(f.state.failures)
	fetchesBefore := adapter.fetchCount()

	results, _ := f.orch.SyncUser(context.Background(), userID, Options{Providers: []string{"acme"}, Force: true})
	if results["acme"].Status != StatusSkipped {
		t.Fatalf("result = %+v", results["acme"])
	}
	if adapter.fetchCount() != fetchesBefore {
		t.Fatal("open breaker let a fetch through")
	}
	// A breaker rejection is not a sync outcome; the pair stays due.
	if len(f.state.failures) != failuresBefore {
		t.Fatal("breaker rejection wrote sync state")
	}
}

func TestOrchestrator_ProviderFailuresAreIsolated(t *testing.T) {
	good := &pullAdapter{name: "good", result: &provider.FetchResult{
		Records: []json.RawMessage{[]byte(`{}`)},
		Cursor:  "c1",
	}}
	bad := &pullAdapter{name: "bad", fetchErr: errors.New("boom")}
	f := newOrchFixture(t, good, bad)
	userID := uuid.New()

	results, err := f.orch.SyncUser(context.Background(), userID, Options{Providers: []string{"good", "bad"}})
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if results["good"].Status != StatusSuccess {
		t.Fatalf("good = %+v", results["good"])
	}
	if results["bad"].Status != StatusFailed {
		t.Fatalf("bad = %+v", results["bad"])
	}
}

func TestOrchestrator_SyncUserResolvesConnectedProviders(t *testing.T) {
	a := &pullAdapter{name: "acme"}
	b := &pullAdapter{name: "beta"}
	f := newOrchFixture(t, a, b)
	f.tokens.connected = []string{"acme", "beta"}

	results, err := f.orch.SyncUser(context.Background(), uuid.New(), Options{})
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
}

func TestOrchestrator_SyncFromWebhookSurfacesFailure(t *testing.T) {
	adapter := &pullAdapter{name: "acme", fetchErr: errors.New("boom")}
	f := newOrchFixture(t, adapter)

	if err := f.orch.SyncFromWebhook(context.Background(), uuid.New(), "acme"); err == nil {
		t.Fatal("expected error for failed targeted sync")
	}

	// Skips are not failures: a held lease returns nil.
	userID := uuid.New()
	f.locks.busy[fmt.Sprintf("sync:%s:acme", userID)] = true
	if err := f.orch.SyncFromWebhook(context.Background(), userID, "acme"); err != nil {
		t.Fatalf("held lease should not error: %v", err)
	}
}
