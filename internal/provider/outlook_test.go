package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/config"
)

func outlookForTest(t *testing.T, baseURL string) *OutlookAdapter {
	t.Helper()
	a := NewOutlookAdapter(config.ProviderCreds{WebhookSecret: "clientstate-1"}, &http.Client{}, zap.NewNop())
	if baseURL != "" {
		a.BaseURL = baseURL
	}
	return a
}

func TestOutlook_HandshakeEchoesValidationToken(t *testing.T) {
	a := outlookForTest(t, "")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/outlook?validationToken=tok%20123", nil)
	rec := httptest.NewRecorder()

	if !a.Handshake(rec, req, nil) {
		t.Fatal("validation request not answered")
	}
	if got := rec.Body.String(); got != "tok 123" {
		t.Fatalf("body = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestOutlook_VerifyWebhookClientState(t *testing.T) {
	a := outlookForTest(t, "")

	good := []byte(`{"value":[{"clientState":"clientstate-1","changeType":"created","resource":"Users/u1/Messages/m1","resourceData":{"id":"m1"}}]}`)
	if !a.VerifyWebhook(http.Header{}, good) {
		t.Fatal("valid clientState rejected")
	}

	bad := []byte(`{"value":[{"clientState":"guessed","changeType":"created","resource":"Users/u1/Messages/m1","resourceData":{"id":"m1"}}]}`)
	if a.VerifyWebhook(http.Header{}, bad) {
		t.Fatal("wrong clientState accepted")
	}

	// One bad notification poisons the whole batch.
	mixed := []byte(`{"value":[
		{"clientState":"clientstate-1","resourceData":{"id":"a"}},
		{"clientState":"guessed","resourceData":{"id":"b"}}
	]}`)
	if a.VerifyWebhook(http.Header{}, mixed) {
		t.Fatal("batch with forged entry accepted")
	}
}

func TestOutlook_ParseWebhook(t *testing.T) {
	a := outlookForTest(t, "")
	meta, err := a.ParseWebhook([]byte(`{"value":[{
		"subscriptionId":"sub1","clientState":"clientstate-1","changeType":"created",
		"resource":"Users/user-abc/Messages/msg-1","resourceData":{"id":"msg-1"}
	}]}`))
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if meta.ProviderUserID != "user-abc" {
		t.Fatalf("provider user = %q", meta.ProviderUserID)
	}
	if meta.DedupeKey != "outlook:msg-1:created" {
		t.Fatalf("dedupe key = %q", meta.DedupeKey)
	}
}

func TestGraphResourceUser(t *testing.T) {
	tests := []struct {
		resource string
		want     string
	}{
		{"Users/abc/Messages/def", "abc"},
		{"users/abc/mailFolders/x", "abc"},
		{"Messages/def", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := graphResourceUser(tt.resource); got != tt.want {
			t.Errorf("graphResourceUser(%q) = %q, want %q", tt.resource, got, tt.want)
		}
	}
}

func TestOutlook_FetchFollowsDeltaLinks(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.0/me/mailFolders/inbox/messages/delta":
			w.Write([]byte(`{"value":[{"id":"m1","receivedDateTime":"2026-08-27T08:00:00Z"}],"@odata.nextLink":"` + srvURL + `/page2"}`))
		case "/page2":
			w.Write([]byte(`{"value":[{"id":"m2","receivedDateTime":"2026-08-27T09:00:00Z"}],"@odata.deltaLink":"` + srvURL + `/delta-final"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	a := outlookForTest(t, srv.URL)
	res, err := a.FetchIncremental(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("records = %d", len(res.Records))
	}
	if res.Cursor != srvURL+"/delta-final" {
		t.Fatalf("cursor = %q", res.Cursor)
	}

	events := a.Normalize(res.Records)
	if len(events) != 2 || events[0].Category != CategoryMessage {
		t.Fatalf("events = %+v", events)
	}
}
