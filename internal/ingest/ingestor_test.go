package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/credentials"
	"github.com/moccet/moccet-health-sub016/internal/db"
	"github.com/moccet/moccet-health-sub016/internal/provider"
)

// scriptAdapter plays back canned verification and parse outcomes.
type scriptAdapter struct {
	name      string
	handshake bool
	verify    bool
	meta      *provider.WebhookMeta
	parseErr  error
}

func (a *scriptAdapter) Name() string                { return a.name }
func (a *scriptAdapter) OAuth() provider.OAuthConfig { return provider.OAuthConfig{} }

func (a *scriptAdapter) Handshake(w http.ResponseWriter, _ *http.Request, _ []byte) bool {
	if a.handshake {
		w.Write([]byte("challenge-answer"))
	}
	return a.handshake
}

func (a *scriptAdapter) VerifyWebhook(http.Header, []byte) bool { return a.verify }

func (a *scriptAdapter) ParseWebhook([]byte) (*provider.WebhookMeta, error) {
	return a.meta, a.parseErr
}

func (a *scriptAdapter) FetchIncremental(context.Context, string, string) (*provider.FetchResult, error) {
	return &provider.FetchResult{}, nil
}

func (a *scriptAdapter) Normalize([]json.RawMessage) []provider.NormalizedEvent { return nil }

type fakeEventStore struct {
	mu        sync.Mutex
	inserted  []*db.WebhookEvent
	insertErr error
}

func (s *fakeEventStore) InsertWebhookEvent(_ context.Context, ev *db.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, ev)
	return nil
}

type fakeResolver struct {
	userID uuid.UUID
	err    error
}

func (r *fakeResolver) ResolveUser(context.Context, string, string) (uuid.UUID, error) {
	return r.userID, r.err
}

type fakeQueue struct {
	mu         sync.Mutex
	jobs       []Job
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Dequeue(context.Context) (Job, func(), error) {
	return Job{}, nil, ErrQueueClosed
}

func (q *fakeQueue) Close() {}

type ingestorFixture struct {
	ingestor *Ingestor
	adapter  *scriptAdapter
	events   *fakeEventStore
	queue    *fakeQueue
	router   chi.Router
}

func newIngestorFixture(t *testing.T, adapter *scriptAdapter, resolver *fakeResolver) *ingestorFixture {
	t.Helper()

	registry := provider.NewRegistry()
	registry.Register(adapter)

	events := &fakeEventStore{}
	queue := &fakeQueue{}
	in := NewIngestor(registry, events, resolver, queue, zap.NewNop())

	router := chi.NewRouter()
	router.HandleFunc("/webhooks/{provider}", in.HandleWebhook)

	return &ingestorFixture{ingestor: in, adapter: adapter, events: events, queue: queue, router: router}
}

func deliver(f *ingestorFixture, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestIngestor_UnknownProviderIs404(t *testing.T) {
	f := newIngestorFixture(t, &scriptAdapter{name: "acme"}, &fakeResolver{})

	rec := deliver(f, http.MethodPost, "/webhooks/nobody", "{}")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestIngestor_HandshakeAnsweredBeforeVerification(t *testing.T) {
	// Handshakes arrive unsigned; verification must not run first.
	adapter := &scriptAdapter{name: "acme", handshake: true, verify: false}
	f := newIngestorFixture(t, adapter, &fakeResolver{})

	rec := deliver(f, http.MethodGet, "/webhooks/acme", "")
	if rec.Body.String() != "challenge-answer" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if len(f.events.inserted) != 0 {
		t.Fatal("handshake should not produce audit rows")
	}
}

func TestIngestor_PlainGETIs404(t *testing.T) {
	f := newIngestorFixture(t, &scriptAdapter{name: "acme"}, &fakeResolver{})

	rec := deliver(f, http.MethodGet, "/webhooks/acme", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestIngestor_VerificationFailureAckedSilently(t *testing.T) {
	adapter := &scriptAdapter{name: "acme", verify: false}
	f := newIngestorFixture(t, adapter, &fakeResolver{})

	rec := deliver(f, http.MethodPost, "/webhooks/acme", `{"forged":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, failed verification must still ack", rec.Code)
	}
	if len(f.events.inserted) != 0 || len(f.queue.jobs) != 0 {
		t.Fatal("forged delivery caused side effects")
	}
}

func TestIngestor_UnparseableBodyAcked(t *testing.T) {
	adapter := &scriptAdapter{name: "acme", verify: true, parseErr: provider.ErrMalformedWebhook}
	f := newIngestorFixture(t, adapter, &fakeResolver{})

	rec := deliver(f, http.MethodPost, "/webhooks/acme", "not json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.events.inserted) != 0 {
		t.Fatal("unparseable delivery produced audit rows")
	}
}

func TestIngestor_ValidDeliveryEnqueuesSync(t *testing.T) {
	userID := uuid.New()
	adapter := &scriptAdapter{
		name:   "acme",
		verify: true,
		meta:   &provider.WebhookMeta{ProviderUserID: "acct-1", EventType: "created", DedupeKey: "acme:1"},
	}
	f := newIngestorFixture(t, adapter, &fakeResolver{userID: userID})

	rec := deliver(f, http.MethodPost, "/webhooks/acme", `{"id":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if len(f.events.inserted) != 1 {
		t.Fatalf("inserted = %d", len(f.events.inserted))
	}
	ev := f.events.inserted[0]
	if ev.Status != db.EventStatusReceived || ev.DedupeKey != "acme:1" {
		t.Fatalf("event = %+v", ev)
	}

	if len(f.queue.jobs) != 1 {
		t.Fatalf("jobs = %d", len(f.queue.jobs))
	}
	job := f.queue.jobs[0]
	if job.UserID != userID || job.Provider != "acme" || job.EventID != ev.ID {
		t.Fatalf("job = %+v", job)
	}
}

func TestIngestor_UnknownAccountAuditedNotEnqueued(t *testing.T) {
	adapter := &scriptAdapter{
		name:   "acme",
		verify: true,
		meta:   &provider.WebhookMeta{ProviderUserID: "stranger", EventType: "created", DedupeKey: "acme:2"},
	}
	f := newIngestorFixture(t, adapter, &fakeResolver{err: credentials.ErrNotConnected})

	rec := deliver(f, http.MethodPost, "/webhooks/acme", `{"id":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if len(f.events.inserted) != 1 {
		t.Fatalf("inserted = %d", len(f.events.inserted))
	}
	if f.events.inserted[0].Status != db.EventStatusIgnored {
		t.Fatalf("status = %q", f.events.inserted[0].Status)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatal("unmapped account must not enqueue work")
	}
}

func TestIngestor_DuplicateDeliveryNotEnqueued(t *testing.T) {
	adapter := &scriptAdapter{
		name:   "acme",
		verify: true,
		meta:   &provider.WebhookMeta{ProviderUserID: "acct-1", EventType: "created", DedupeKey: "acme:3"},
	}
	f := newIngestorFixture(t, adapter, &fakeResolver{userID: uuid.New()})
	f.events.insertErr = db.ErrDuplicateEvent

	rec := deliver(f, http.MethodPost, "/webhooks/acme", `{"id":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatal("duplicate delivery must not enqueue work")
	}
}

func TestIngestor_QueueFullStillAcks(t *testing.T) {
	adapter := &scriptAdapter{
		name:   "acme",
		verify: true,
		meta:   &provider.WebhookMeta{ProviderUserID: "acct-1", EventType: "created", DedupeKey: "acme:4"},
	}
	f := newIngestorFixture(t, adapter, &fakeResolver{userID: uuid.New()})
	f.queue.enqueueErr = ErrQueueFull

	rec := deliver(f, http.MethodPost, "/webhooks/acme", `{"id":4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, queue pressure must not surface to senders", rec.Code)
	}
	// The audit row survives in the received state for the poll to pick up.
	if len(f.events.inserted) != 1 || f.events.inserted[0].Status != db.EventStatusReceived {
		t.Fatalf("inserted = %+v", f.events.inserted)
	}
}
