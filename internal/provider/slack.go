package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/config"
)

const slackSignatureMaxAge = 5 * time.Minute

// SlackAdapter integrates Slack's Events API. Deliveries are signed with
// the v0 scheme, a hex HMAC over "v0:{timestamp}:{body}", and the
// url_verification challenge is answered during event subscription setup.
type SlackAdapter struct {
	creds   config.ProviderCreds
	client  *http.Client
	logger  *zap.Logger
	BaseURL string

	now func() time.Time
}

func NewSlackAdapter(creds config.ProviderCreds, client *http.Client, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		creds:   creds,
		client:  client,
		logger:  logger,
		BaseURL: "https://slack.com",
		now:     time.Now,
	}
}

func (a *SlackAdapter) Name() string { return "slack" }

func (a *SlackAdapter) OAuth() OAuthConfig {
	return OAuthConfig{
		AuthURL:   a.BaseURL + "/oauth/v2/authorize",
		TokenURL:  a.BaseURL + "/api/oauth.v2.access",
		RevokeURL: a.BaseURL + "/api/auth.revoke",
		Scopes:    []string{"im:history", "users:read"},
	}
}

func (a *SlackAdapter) Handshake(w http.ResponseWriter, r *http.Request, body []byte) bool {
	if r.Method != http.MethodPost {
		return false
	}
	var probe struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Type != "url_verification" {
		return false
	}
	writeJSON(w, http.StatusOK, map[string]string{"challenge": probe.Challenge})
	return true
}

func (a *SlackAdapter) VerifyWebhook(header http.Header, body []byte) bool {
	sig := header.Get("X-Slack-Signature")
	ts := header.Get("X-Slack-Request-Timestamp")
	if sig == "" || ts == "" {
		return false
	}

	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	sent := time.Unix(secs, 0)
	if a.now().Sub(sent) > slackSignatureMaxAge || sent.Sub(a.now()) > slackSignatureMaxAge {
		return false
	}

	base := fmt.Sprintf("v0:%s:%s", ts, body)
	return validHMACHex(a.creds.WebhookSecret, strings.TrimPrefix(sig, "v0="), []byte(base))
}

type slackEventCallback struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	TeamID  string `json:"team_id"`
	Event   struct {
		Type string `json:"type"`
		User string `json:"user"`
	} `json:"event"`
	Authorizations []struct {
		UserID string `json:"user_id"`
	} `json:"authorizations"`
}

func (a *SlackAdapter) ParseWebhook(body []byte) (*WebhookMeta, error) {
	var cb slackEventCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if cb.Type != "event_callback" || cb.EventID == "" {
		return nil, fmt.Errorf("%w: not an event callback", ErrMalformedWebhook)
	}
	userID := cb.Event.User
	if userID == "" && len(cb.Authorizations) > 0 {
		userID = cb.Authorizations[0].UserID
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: no user in event", ErrMalformedWebhook)
	}
	return &WebhookMeta{
		ProviderUserID: userID,
		EventType:      cb.Event.Type,
		DedupeKey:      fmt.Sprintf("slack:%s", cb.EventID),
	}, nil
}

type slackConversationsPage struct {
	OK       bool              `json:"ok"`
	Error    string            `json:"error"`
	Channels []json.RawMessage `json:"channels"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// FetchIncremental lists the user's direct-message conversations. Slack
// reports errors inside a 200 body, so the ok flag is checked explicitly.
// The pagination cursor doubles as the stored cursor.
func (a *SlackAdapter) FetchIncremental(ctx context.Context, accessToken, cursor string) (*FetchResult, error) {
	q := url.Values{}
	q.Set("types", "im")
	q.Set("limit", "50")
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page slackConversationsPage
	endpoint := a.BaseURL + "/api/users.conversations?" + q.Encode()
	if err := getJSON(ctx, a.client, endpoint, accessToken, &page); err != nil {
		return nil, fmt.Errorf("slack conversations: %w", err)
	}
	if !page.OK {
		if page.Error == "invalid_cursor" {
			a.logger.Warn("discarding stale cursor", zap.String("provider", "slack"))
			return a.FetchIncremental(ctx, accessToken, "")
		}
		return nil, fmt.Errorf("slack conversations: api error %s", page.Error)
	}

	return &FetchResult{Records: page.Channels, Cursor: page.Metadata.NextCursor}, nil
}

type slackChannel struct {
	ID      string `json:"id"`
	User    string `json:"user"`
	Updated int64  `json:"updated"`
}

func (a *SlackAdapter) Normalize(records []json.RawMessage) []NormalizedEvent {
	events := make([]NormalizedEvent, 0, len(records))
	for _, raw := range records {
		var ch slackChannel
		if err := json.Unmarshal(raw, &ch); err != nil || ch.ID == "" {
			a.logger.Warn("dropping malformed record", zap.String("provider", "slack"))
			continue
		}
		occurredAt := time.Now().UTC()
		if ch.Updated > 0 {
			occurredAt = time.UnixMilli(ch.Updated)
		}
		events = append(events, NormalizedEvent{
			Provider:      "slack",
			Category:      CategoryMessage,
			OccurredAt:    occurredAt,
			Metrics:       map[string]float64{"conversations": 1},
			SourceEventID: fmt.Sprintf("%s:%d", ch.ID, ch.Updated),
		})
	}
	return events
}
