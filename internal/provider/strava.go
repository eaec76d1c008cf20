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

const stravaDefaultLookback = 48 * time.Hour

// StravaAdapter integrates the Strava API. Strava does not sign webhook
// deliveries; authenticity rests on the subscription handshake's verify
// token, so VerifyWebhook is an explicit opt-out logged at construction.
type StravaAdapter struct {
	creds   config.ProviderCreds
	client  *http.Client
	logger  *zap.Logger
	BaseURL string
}

func NewStravaAdapter(creds config.ProviderCreds, client *http.Client, logger *zap.Logger) *StravaAdapter {
	logger.Info("provider has no webhook signature scheme, deliveries accepted unsigned",
		zap.String("provider", "strava"),
	)
	return &StravaAdapter{
		creds:   creds,
		client:  client,
		logger:  logger,
		BaseURL: "https://www.strava.com",
	}
}

func (a *StravaAdapter) Name() string { return "strava" }

func (a *StravaAdapter) OAuth() OAuthConfig {
	return OAuthConfig{
		AuthURL:   a.BaseURL + "/oauth/authorize",
		TokenURL:  a.BaseURL + "/oauth/token",
		RevokeURL: a.BaseURL + "/oauth/deauthorize",
		Scopes:    []string{"activity:read_all"},
	}
}

func (a *StravaAdapter) Handshake(w http.ResponseWriter, r *http.Request, _ []byte) bool {
	if r.Method != http.MethodGet {
		return false
	}
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" {
		return false
	}
	if a.creds.VerifyToken == "" || q.Get("hub.verify_token") != a.creds.VerifyToken {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": q.Get("hub.challenge")})
	return true
}

func (a *StravaAdapter) VerifyWebhook(http.Header, []byte) bool {
	return true
}

type stravaWebhook struct {
	ObjectType string `json:"object_type"`
	ObjectID   int64  `json:"object_id"`
	AspectType string `json:"aspect_type"`
	OwnerID    int64  `json:"owner_id"`
	EventTime  int64  `json:"event_time"`
}

func (a *StravaAdapter) ParseWebhook(body []byte) (*WebhookMeta, error) {
	var hook stravaWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if hook.OwnerID == 0 || hook.ObjectID == 0 {
		return nil, fmt.Errorf("%w: missing owner_id or object_id", ErrMalformedWebhook)
	}
	return &WebhookMeta{
		ProviderUserID: strconv.FormatInt(hook.OwnerID, 10),
		EventType:      hook.ObjectType + "." + hook.AspectType,
		DedupeKey:      fmt.Sprintf("strava:%d:%s:%d", hook.ObjectID, hook.AspectType, hook.EventTime),
	}, nil
}

// FetchIncremental lists athlete activities after the cursor, an epoch
// seconds watermark. The new cursor is the latest activity start time so
// replays converge.
func (a *StravaAdapter) FetchIncremental(ctx context.Context, accessToken, cursor string) (*FetchResult, error) {
	after := time.Now().Add(-stravaDefaultLookback).Unix()
	if cursor != "" {
		if n, err := strconv.ParseInt(cursor, 10, 64); err == nil {
			after = n
		} else {
			a.logger.Warn("discarding unparseable cursor",
				zap.String("provider", "strava"),
				zap.String("cursor", cursor),
			)
		}
	}

	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("per_page", "50")

	var activities []json.RawMessage
	endpoint := a.BaseURL + "/api/v3/athlete/activities?" + q.Encode()
	if err := getJSON(ctx, a.client, endpoint, accessToken, &activities); err != nil {
		return nil, fmt.Errorf("strava activities: %w", err)
	}

	newCursor := after
	for _, raw := range activities {
		var act stravaActivity
		if err := json.Unmarshal(raw, &act); err != nil {
			continue
		}
		if t, err := time.Parse(time.RFC3339, act.StartDate); err == nil && t.Unix() > newCursor {
			newCursor = t.Unix()
		}
	}

	return &FetchResult{Records: activities, Cursor: strconv.FormatInt(newCursor, 10)}, nil
}

type stravaActivity struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	StartDate   string  `json:"start_date"`
	Distance    float64 `json:"distance"`
	MovingTime  float64 `json:"moving_time"`
	ElapsedTime float64 `json:"elapsed_time"`
	AvgHR       float64 `json:"average_heartrate"`
}

func (a *StravaAdapter) Normalize(records []json.RawMessage) []NormalizedEvent {
	events := make([]NormalizedEvent, 0, len(records))
	for _, raw := range records {
		var act stravaActivity
		if err := json.Unmarshal(raw, &act); err != nil || act.ID == 0 {
			a.logger.Warn("dropping malformed record", zap.String("provider", "strava"))
			continue
		}
		occurredAt, err := time.Parse(time.RFC3339, act.StartDate)
		if err != nil {
			a.logger.Warn("dropping activity without start date",
				zap.String("provider", "strava"),
				zap.Int64("id", act.ID),
			)
			continue
		}
		events = append(events, NormalizedEvent{
			Provider:   "strava",
			Category:   CategoryActivity,
			OccurredAt: occurredAt,
			Metrics: map[string]float64{
				"distance_m":    act.Distance,
				"moving_time_s": act.MovingTime,
				"average_hr":    act.AvgHR,
			},
			SourceEventID: strconv.FormatInt(act.ID, 10),
		})
	}
	return events
}
