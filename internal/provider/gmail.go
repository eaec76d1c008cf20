package provider

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/config"
)

// GmailAdapter integrates Gmail via Pub/Sub push notifications and the
// history API. Push deliveries carry a static channel token rather than a
// per-delivery signature; the cursor is the Gmail historyId watermark.
type GmailAdapter struct {
	creds   config.ProviderCreds
	client  *http.Client
	logger  *zap.Logger
	BaseURL string
}

func NewGmailAdapter(creds config.ProviderCreds, client *http.Client, logger *zap.Logger) *GmailAdapter {
	return &GmailAdapter{
		creds:   creds,
		client:  client,
		logger:  logger,
		BaseURL: "https://gmail.googleapis.com",
	}
}

func (a *GmailAdapter) Name() string { return "gmail" }

func (a *GmailAdapter) OAuth() OAuthConfig {
	return OAuthConfig{
		AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:  "https://oauth2.googleapis.com/token",
		RevokeURL: "https://oauth2.googleapis.com/revoke",
		Scopes:    []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}
}

func (a *GmailAdapter) Handshake(http.ResponseWriter, *http.Request, []byte) bool {
	return false
}

func (a *GmailAdapter) VerifyWebhook(header http.Header, _ []byte) bool {
	token := header.Get("X-Goog-Channel-Token")
	if a.creds.WebhookSecret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.creds.WebhookSecret)) == 1
}

type gmailPushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

type gmailPushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

func (a *GmailAdapter) ParseWebhook(body []byte) (*WebhookMeta, error) {
	var env gmailPushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable message data", ErrMalformedWebhook)
		}
	}
	var payload gmailPushPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if payload.EmailAddress == "" || payload.HistoryID == 0 {
		return nil, fmt.Errorf("%w: missing emailAddress or historyId", ErrMalformedWebhook)
	}
	return &WebhookMeta{
		ProviderUserID: payload.EmailAddress,
		EventType:      "history.changed",
		DedupeKey:      fmt.Sprintf("gmail:%s:%d", payload.EmailAddress, payload.HistoryID),
	}, nil
}

type gmailHistoryPage struct {
	History []struct {
		ID            string `json:"id"`
		MessagesAdded []struct {
			Message json.RawMessage `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	HistoryID     string `json:"historyId"`
	NextPageToken string `json:"nextPageToken"`
}

type gmailProfile struct {
	HistoryID string `json:"historyId"`
}

// FetchIncremental walks the history API from the cursor's historyId.
// With no cursor there is nothing to diff against, so it reads the
// profile's current historyId and starts tracking from there.
func (a *GmailAdapter) FetchIncremental(ctx context.Context, accessToken, cursor string) (*FetchResult, error) {
	if cursor == "" {
		var profile gmailProfile
		if err := getJSON(ctx, a.client, a.BaseURL+"/gmail/v1/users/me/profile", accessToken, &profile); err != nil {
			return nil, fmt.Errorf("gmail profile: %w", err)
		}
		return &FetchResult{Cursor: profile.HistoryID}, nil
	}

	var records []json.RawMessage
	newCursor := cursor
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("startHistoryId", cursor)
		q.Set("historyTypes", "messageAdded")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page gmailHistoryPage
		endpoint := a.BaseURL + "/gmail/v1/users/me/history?" + q.Encode()
		if err := getJSON(ctx, a.client, endpoint, accessToken, &page); err != nil {
			return nil, fmt.Errorf("gmail history: %w", err)
		}

		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				records = append(records, added.Message)
			}
		}
		if page.HistoryID != "" {
			newCursor = page.HistoryID
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return &FetchResult{Records: records, Cursor: newCursor}, nil
}

type gmailMessage struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	InternalDate string `json:"internalDate"`
}

func (a *GmailAdapter) Normalize(records []json.RawMessage) []NormalizedEvent {
	events := make([]NormalizedEvent, 0, len(records))
	for _, raw := range records {
		var msg gmailMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
			a.logger.Warn("dropping malformed record", zap.String("provider", "gmail"))
			continue
		}
		occurredAt := time.Now().UTC()
		if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil && ms > 0 {
			occurredAt = time.UnixMilli(ms)
		}
		events = append(events, NormalizedEvent{
			Provider:      "gmail",
			Category:      CategoryMessage,
			OccurredAt:    occurredAt,
			Metrics:       map[string]float64{"messages": 1},
			SourceEventID: msg.ID,
		})
	}
	return events
}
