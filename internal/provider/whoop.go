package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/config"
)

// WhoopAdapter integrates the WHOOP developer API. Webhook signatures are
// base64 HMACs over the signature timestamp concatenated with the raw
// body; signatures older than the freshness window are rejected outright.
type WhoopAdapter struct {
	creds   config.ProviderCreds
	client  *http.Client
	logger  *zap.Logger
	BaseURL string

	// now is stubbed in tests to pin the freshness check.
	now func() time.Time
}

const whoopSignatureMaxAge = 5 * time.Minute

func NewWhoopAdapter(creds config.ProviderCreds, client *http.Client, logger *zap.Logger) *WhoopAdapter {
	return &WhoopAdapter{
		creds:   creds,
		client:  client,
		logger:  logger,
		BaseURL: "https://api.prod.whoop.com",
		now:     time.Now,
	}
}

func (a *WhoopAdapter) Name() string { return "whoop" }

func (a *WhoopAdapter) OAuth() OAuthConfig {
	return OAuthConfig{
		AuthURL:  a.BaseURL + "/oauth/oauth2/auth",
		TokenURL: a.BaseURL + "/oauth/oauth2/token",
		Scopes:   []string{"read:recovery", "read:sleep", "read:workout", "offline"},
	}
}

func (a *WhoopAdapter) Handshake(http.ResponseWriter, *http.Request, []byte) bool {
	return false
}

func (a *WhoopAdapter) VerifyWebhook(header http.Header, body []byte) bool {
	sig := header.Get("X-WHOOP-Signature")
	ts := header.Get("X-WHOOP-Signature-Timestamp")
	if sig == "" || ts == "" {
		return false
	}

	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	sent := time.UnixMilli(millis)
	if a.now().Sub(sent) > whoopSignatureMaxAge || sent.Sub(a.now()) > whoopSignatureMaxAge {
		return false
	}

	signed := append([]byte(ts), body...)
	return validHMACBase64(a.creds.WebhookSecret, sig, signed)
}

type whoopWebhook struct {
	UserID int64  `json:"user_id"`
	ID     string `json:"id"`
	Type   string `json:"type"`
}

func (a *WhoopAdapter) ParseWebhook(body []byte) (*WebhookMeta, error) {
	var hook whoopWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if hook.UserID == 0 || hook.ID == "" {
		return nil, fmt.Errorf("%w: missing user_id or id", ErrMalformedWebhook)
	}
	return &WebhookMeta{
		ProviderUserID: strconv.FormatInt(hook.UserID, 10),
		EventType:      hook.Type,
		DedupeKey:      fmt.Sprintf("whoop:%s:%s", hook.ID, hook.Type),
	}, nil
}

type whoopPage struct {
	Records   []json.RawMessage `json:"records"`
	NextToken string            `json:"next_token"`
}

// FetchIncremental pulls recovery records. WHOOP paginates with an opaque
// nextToken, which doubles as the stored cursor; an invalid token simply
// yields the latest page again.
func (a *WhoopAdapter) FetchIncremental(ctx context.Context, accessToken, cursor string) (*FetchResult, error) {
	q := url.Values{}
	q.Set("limit", "25")
	if cursor != "" {
		q.Set("nextToken", cursor)
	}

	var page whoopPage
	endpoint := a.BaseURL + "/developer/v1/recovery?" + q.Encode()
	if err := getJSON(ctx, a.client, endpoint, accessToken, &page); err != nil {
		return nil, fmt.Errorf("whoop recovery: %w", err)
	}

	next := page.NextToken
	if next == "" {
		next = cursor
	}
	return &FetchResult{Records: page.Records, Cursor: next}, nil
}

type whoopRecovery struct {
	CycleID   int64  `json:"cycle_id"`
	CreatedAt string `json:"created_at"`
	Score     struct {
		RecoveryScore    float64 `json:"recovery_score"`
		RestingHeartRate float64 `json:"resting_heart_rate"`
		HRVRmssdMilli    float64 `json:"hrv_rmssd_milli"`
	} `json:"score"`
}

func (a *WhoopAdapter) Normalize(records []json.RawMessage) []NormalizedEvent {
	events := make([]NormalizedEvent, 0, len(records))
	for _, raw := range records {
		var rec whoopRecovery
		if err := json.Unmarshal(raw, &rec); err != nil || rec.CycleID == 0 {
			a.logger.Warn("dropping malformed record", zap.String("provider", "whoop"))
			continue
		}
		occurredAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
		if err != nil {
			a.logger.Warn("dropping record without timestamp",
				zap.String("provider", "whoop"),
				zap.Int64("cycle_id", rec.CycleID),
			)
			continue
		}
		events = append(events, NormalizedEvent{
			Provider:   "whoop",
			Category:   CategoryReadiness,
			OccurredAt: occurredAt,
			Metrics: map[string]float64{
				"recovery_score":     rec.Score.RecoveryScore,
				"resting_heart_rate": rec.Score.RestingHeartRate,
				"hrv_rmssd_ms":       rec.Score.HRVRmssdMilli,
			},
			SourceEventID: strconv.FormatInt(rec.CycleID, 10),
		})
	}
	return events
}
