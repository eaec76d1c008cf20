package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/config"
)

const dexcomDefaultLookback = 6 * time.Hour

// DexcomAdapter integrates the Dexcom CGM API. Glucose readings arrive by
// webhook notification and are pulled as estimated glucose value (EGV)
// batches bounded by a timestamp watermark cursor.
type DexcomAdapter struct {
	creds   config.ProviderCreds
	client  *http.Client
	logger  *zap.Logger
	BaseURL string
}

func NewDexcomAdapter(creds config.ProviderCreds, client *http.Client, logger *zap.Logger) *DexcomAdapter {
	return &DexcomAdapter{
		creds:   creds,
		client:  client,
		logger:  logger,
		BaseURL: "https://api.dexcom.com",
	}
}

func (a *DexcomAdapter) Name() string { return "dexcom" }

func (a *DexcomAdapter) OAuth() OAuthConfig {
	return OAuthConfig{
		AuthURL:  a.BaseURL + "/v2/oauth2/login",
		TokenURL: a.BaseURL + "/v2/oauth2/token",
		Scopes:   []string{"offline_access"},
	}
}

func (a *DexcomAdapter) Handshake(http.ResponseWriter, *http.Request, []byte) bool {
	return false
}

func (a *DexcomAdapter) VerifyWebhook(header http.Header, body []byte) bool {
	return validHMACHex(a.creds.WebhookSecret, header.Get("X-Dexcom-Signature"), body)
}

type dexcomWebhook struct {
	UserID     string `json:"userId"`
	RecordType string `json:"recordType"`
	RecordID   string `json:"recordId"`
}

func (a *DexcomAdapter) ParseWebhook(body []byte) (*WebhookMeta, error) {
	var hook dexcomWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if hook.UserID == "" || hook.RecordID == "" {
		return nil, fmt.Errorf("%w: missing userId or recordId", ErrMalformedWebhook)
	}
	return &WebhookMeta{
		ProviderUserID: hook.UserID,
		EventType:      hook.RecordType,
		DedupeKey:      fmt.Sprintf("dexcom:%s", hook.RecordID),
	}, nil
}

type dexcomEGVPage struct {
	Records []json.RawMessage `json:"records"`
}

// FetchIncremental pulls EGV records since the cursor, an RFC 3339
// watermark. The new cursor is the fetch end bound.
func (a *DexcomAdapter) FetchIncremental(ctx context.Context, accessToken, cursor string) (*FetchResult, error) {
	start := time.Now().UTC().Add(-dexcomDefaultLookback)
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339, cursor); err == nil {
			start = t
		} else {
			a.logger.Warn("discarding unparseable cursor",
				zap.String("provider", "dexcom"),
				zap.String("cursor", cursor),
			)
		}
	}
	end := time.Now().UTC()

	q := url.Values{}
	q.Set("startDate", start.Format(time.RFC3339))
	q.Set("endDate", end.Format(time.RFC3339))

	var page dexcomEGVPage
	endpoint := a.BaseURL + "/v3/users/self/egvs?" + q.Encode()
	if err := getJSON(ctx, a.client, endpoint, accessToken, &page); err != nil {
		return nil, fmt.Errorf("dexcom egvs: %w", err)
	}

	return &FetchResult{Records: page.Records, Cursor: end.Format(time.RFC3339)}, nil
}

type dexcomEGV struct {
	RecordID    string  `json:"recordId"`
	SystemTime  string  `json:"systemTime"`
	Value       float64 `json:"value"`
	TrendRate   float64 `json:"trendRate"`
}

func (a *DexcomAdapter) Normalize(records []json.RawMessage) []NormalizedEvent {
	events := make([]NormalizedEvent, 0, len(records))
	for _, raw := range records {
		var egv dexcomEGV
		if err := json.Unmarshal(raw, &egv); err != nil || egv.RecordID == "" {
			a.logger.Warn("dropping malformed record", zap.String("provider", "dexcom"))
			continue
		}
		occurredAt, err := time.Parse(time.RFC3339, egv.SystemTime)
		if err != nil {
			// Dexcom system times sometimes omit the zone suffix.
			occurredAt, err = time.Parse("2006-01-02T15:04:05", egv.SystemTime)
			if err != nil {
				a.logger.Warn("dropping record without timestamp",
					zap.String("provider", "dexcom"),
					zap.String("record_id", egv.RecordID),
				)
				continue
			}
		}
		events = append(events, NormalizedEvent{
			Provider:   "dexcom",
			Category:   CategoryGlucose,
			OccurredAt: occurredAt,
			Metrics: map[string]float64{
				"glucose_mgdl": egv.Value,
				"trend_rate":   egv.TrendRate,
			},
			SourceEventID: egv.RecordID,
		})
	}
	return events
}
