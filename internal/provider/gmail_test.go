package provider

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/config"
)

func gmailForTest(t *testing.T, baseURL string) *GmailAdapter {
	t.Helper()
	a := NewGmailAdapter(config.ProviderCreds{WebhookSecret: "channel-token"}, &http.Client{}, zap.NewNop())
	if baseURL != "" {
		a.BaseURL = baseURL
	}
	return a
}

func TestGmail_VerifyChannelToken(t *testing.T) {
	a := gmailForTest(t, "")

	h := http.Header{}
	h.Set("X-Goog-Channel-Token", "channel-token")
	if !a.VerifyWebhook(h, nil) {
		t.Fatal("valid channel token rejected")
	}

	h.Set("X-Goog-Channel-Token", "other")
	if a.VerifyWebhook(h, nil) {
		t.Fatal("wrong channel token accepted")
	}
	if a.VerifyWebhook(http.Header{}, nil) {
		t.Fatal("missing channel token accepted")
	}
}

func TestGmail_ParseWebhook(t *testing.T) {
	a := gmailForTest(t, "")
	payload := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"u@example.com","historyId":4711}`))
	meta, err := a.ParseWebhook([]byte(`{"message":{"data":"` + payload + `","messageId":"pm1"}}`))
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if meta.ProviderUserID != "u@example.com" {
		t.Fatalf("provider user = %q", meta.ProviderUserID)
	}
	if meta.DedupeKey != "gmail:u@example.com:4711" {
		t.Fatalf("dedupe key = %q", meta.DedupeKey)
	}
}

func TestGmail_ParseWebhookRejectsGarbage(t *testing.T) {
	a := gmailForTest(t, "")
	if _, err := a.ParseWebhook([]byte(`{"message":{"data":"!!!"}}`)); err == nil {
		t.Fatal("expected error for undecodable data")
	}
}

func TestGmail_FetchBootstrapsFromProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gmail/v1/users/me/profile" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"historyId":"9000"}`))
	}))
	defer srv.Close()

	a := gmailForTest(t, srv.URL)
	res, err := a.FetchIncremental(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Records) != 0 {
		t.Fatalf("records = %d, bootstrap should fetch none", len(res.Records))
	}
	if res.Cursor != "9000" {
		t.Fatalf("cursor = %q", res.Cursor)
	}
}

func TestGmail_FetchWalksHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gmail/v1/users/me/history" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("startHistoryId"); got != "9000" {
			t.Errorf("startHistoryId = %q", got)
		}
		w.Write([]byte(`{
			"history":[{"id":"9001","messagesAdded":[{"message":{"id":"m1","internalDate":"1724700000000"}}]}],
			"historyId":"9002"
		}`))
	}))
	defer srv.Close()

	a := gmailForTest(t, srv.URL)
	res, err := a.FetchIncremental(context.Background(), "tok", "9000")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records = %d", len(res.Records))
	}
	if res.Cursor != "9002" {
		t.Fatalf("cursor = %q", res.Cursor)
	}

	events := a.Normalize(res.Records)
	if len(events) != 1 || events[0].SourceEventID != "m1" {
		t.Fatalf("events = %+v", events)
	}
}
