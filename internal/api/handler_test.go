package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/circuitbreaker"
	"github.com/moccet/moccet-health-sub016/internal/credentials"
	"github.com/moccet/moccet-health-sub016/internal/db"
	redisclient "github.com/moccet/moccet-health-sub016/internal/redis"
	syncsvc "github.com/moccet/moccet-health-sub016/internal/sync"
)

type mockSyncer struct {
	results  map[string]syncsvc.ProviderResult
	err      error
	lastOpts syncsvc.Options
}

func (m *mockSyncer) SyncUser(_ context.Context, _ uuid.UUID, opts syncsvc.Options) (map[string]syncsvc.ProviderResult, error) {
	m.lastOpts = opts
	return m.results, m.err
}

type mockIntegrations struct {
	authorizeURL  string
	authorizeErr  error
	callbackUser  uuid.UUID
	callbackProv  string
	callbackErr   error
	disconnectErr error
	tokens        []*db.IntegrationToken
}

func (m *mockIntegrations) AuthorizeURL(uuid.UUID, string) (string, error) {
	return m.authorizeURL, m.authorizeErr
}

func (m *mockIntegrations) HandleCallback(context.Context, string, string) (uuid.UUID, string, error) {
	return m.callbackUser, m.callbackProv, m.callbackErr
}

func (m *mockIntegrations) Disconnect(context.Context, uuid.UUID, string) error {
	return m.disconnectErr
}

func (m *mockIntegrations) Connected(context.Context, uuid.UUID) ([]*db.IntegrationToken, error) {
	return m.tokens, nil
}

type mockStatusRepo struct {
	states []*db.SyncState
}

func (m *mockStatusRepo) ListSyncStates(context.Context, uuid.UUID) ([]*db.SyncState, error) {
	return m.states, nil
}

type mockBreakers struct {
	stats []circuitbreaker.Stats
}

func (m *mockBreakers) AllStats() []circuitbreaker.Stats { return m.stats }

type mockWebhooks struct {
	called bool
}

func (m *mockWebhooks) HandleWebhook(w http.ResponseWriter, _ *http.Request) {
	m.called = true
	w.WriteHeader(http.StatusOK)
}

type mockLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (m *mockLimiter) Allow(context.Context, string) (*redisclient.RateLimitResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &redisclient.RateLimitResult{
		Allowed:   m.allowed,
		Remaining: 5,
		ResetAt:   time.Now().Add(time.Minute),
	}, nil
}

type apiFixture struct {
	syncer       *mockSyncer
	integrations *mockIntegrations
	status       *mockStatusRepo
	breakers     *mockBreakers
	webhooks     *mockWebhooks
	limiter      *mockLimiter
	router       http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		syncer:       &mockSyncer{results: map[string]syncsvc.ProviderResult{}},
		integrations: &mockIntegrations{},
		status:       &mockStatusRepo{},
		breakers:     &mockBreakers{},
		webhooks:     &mockWebhooks{},
		limiter:      &mockLimiter{allowed: true},
	}
	h := NewHandler(f.syncer, f.integrations, f.status, f.breakers, f.webhooks, f.limiter, zap.NewNop())
	f.router = h.Routes()
	return f
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_SyncHappyPath(t *testing.T) {
	f := newAPIFixture(t)
	f.syncer.results = map[string]syncsvc.ProviderResult{
		"oura": {Status: syncsvc.StatusSuccess},
	}
	userID := uuid.New()

	rec := f.do(http.MethodPost, "/v1/sync", `{"user_id":"`+userID.String()+`","force":true,"providers":["oura"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	if !f.syncer.lastOpts.Force || len(f.syncer.lastOpts.Providers) != 1 {
		t.Fatalf("opts = %+v", f.syncer.lastOpts)
	}

	var resp struct {
		Results map[string]syncsvc.ProviderResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Results["oura"].Status != syncsvc.StatusSuccess {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestHandler_SyncRejectsBadUserID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/v1/sync", `{"user_id":"not-a-uuid"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_SyncStatusRequiresUserID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/v1/sync/status", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/v1/sync/status?user_id="+uuid.NewString(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_ConnectDisabledProviderIs404(t *testing.T) {
	f := newAPIFixture(t)
	f.integrations.authorizeErr = credentials.ErrProviderDisabled

	rec := f.do(http.MethodPost, "/v1/integrations/acme/connect", `{"user_id":"`+uuid.NewString()+`"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_ConnectReturnsAuthorizeURL(t *testing.T) {
	f := newAPIFixture(t)
	f.integrations.authorizeURL = "https://auth.example.com/consent"

	rec := f.do(http.MethodPost, "/v1/integrations/acme/connect", `{"user_id":"`+uuid.NewString()+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["authorize_url"] != "https://auth.example.com/consent" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestHandler_CallbackBadStateIs400(t *testing.T) {
	f := newAPIFixture(t)
	f.integrations.callbackErr = credentials.ErrBadState

	rec := f.do(http.MethodGet, "/v1/integrations/acme/callback?state=tampered&code=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_CallbackExchangeFailureIs502(t *testing.T) {
	f := newAPIFixture(t)
	f.integrations.callbackErr = errors.New("upstream rejected the code")

	rec := f.do(http.MethodGet, "/v1/integrations/acme/callback?state=ok&code=abc", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_CallbackMissingParamsIs400(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/v1/integrations/acme/callback?code=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_DisconnectNotConnectedIs404(t *testing.T) {
	f := newAPIFixture(t)
	f.integrations.disconnectErr = credentials.ErrNotConnected

	rec := f.do(http.MethodDelete, "/v1/integrations/acme?user_id="+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandler_BreakersListing(t *testing.T) {
	f := newAPIFixture(t)
	f.breakers.stats = []circuitbreaker.Stats{{Name: "oura", State: "closed"}}

	rec := f.do(http.MethodGet, "/v1/breakers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"oura"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandler_RateLimitRejectionIs429(t *testing.T) {
	f := newAPIFixture(t)
	f.limiter.allowed = false

	rec := f.do(http.MethodGet, "/v1/sync/status?user_id="+uuid.NewString(), "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestHandler_RateLimiterOutageFailsOpen(t *testing.T) {
	f := newAPIFixture(t)
	f.limiter.err = errors.New("redis down")

	rec := f.do(http.MethodGet, "/v1/sync/status?user_id="+uuid.NewString(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, limiter outage must fail open", rec.Code)
	}
}

func TestHandler_WebhooksBypassRateLimiting(t *testing.T) {
	f := newAPIFixture(t)
	f.limiter.allowed = false

	rec := f.do(http.MethodPost, "/webhooks/oura", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !f.webhooks.called {
		t.Fatal("webhook handler not reached")
	}
	if f.limiter.calls != 0 {
		t.Fatal("webhook route consulted the rate limiter")
	}
}
