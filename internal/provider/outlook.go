package provider

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/config"
)

// OutlookAdapter integrates Microsoft Graph mail. Subscription validation
// echoes the validationToken as text/plain; delivery authenticity rests
// on the clientState secret carried inside each notification. The cursor
// is a Graph delta link, an opaque resumable URL.
type OutlookAdapter struct {
	creds   config.ProviderCreds
	client  *http.Client
	logger  *zap.Logger
	BaseURL string
}

func NewOutlookAdapter(creds config.ProviderCreds, client *http.Client, logger *zap.Logger) *OutlookAdapter {
	return &OutlookAdapter{
		creds:   creds,
		client:  client,
		logger:  logger,
		BaseURL: "https://graph.microsoft.com",
	}
}

func (a *OutlookAdapter) Name() string { return "outlook" }

func (a *OutlookAdapter) OAuth() OAuthConfig {
	return OAuthConfig{
		AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		Scopes:   []string{"offline_access", "Mail.Read"},
	}
}

func (a *OutlookAdapter) Handshake(w http.ResponseWriter, r *http.Request, _ []byte) bool {
	token := r.URL.Query().Get("validationToken")
	if token == "" {
		return false
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(token))
	return true
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type graphEnvelope struct {
	Value []graphNotification `json:"value"`
}

func (a *OutlookAdapter) VerifyWebhook(_ http.Header, body []byte) bool {
	if a.creds.WebhookSecret == "" {
		return false
	}
	var env graphEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Value) == 0 {
		return false
	}
	for _, n := range env.Value {
		if subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(a.creds.WebhookSecret)) != 1 {
			return false
		}
	}
	return true
}

func (a *OutlookAdapter) ParseWebhook(body []byte) (*WebhookMeta, error) {
	var env graphEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if len(env.Value) == 0 {
		return nil, fmt.Errorf("%w: empty notification batch", ErrMalformedWebhook)
	}
	n := env.Value[0]
	userID := graphResourceUser(n.Resource)
	if userID == "" || n.ResourceData.ID == "" {
		return nil, fmt.Errorf("%w: missing resource user or id", ErrMalformedWebhook)
	}
	return &WebhookMeta{
		ProviderUserID: userID,
		EventType:      "message." + n.ChangeType,
		DedupeKey:      fmt.Sprintf("outlook:%s:%s", n.ResourceData.ID, n.ChangeType),
	}, nil
}

// graphResourceUser extracts the user segment from a resource path like
// "Users/ab12.../Messages/AAMk...".
func graphResourceUser(resource string) string {
	parts := strings.Split(resource, "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(parts[i], "users") {
			return parts[i+1]
		}
	}
	return ""
}

type graphDeltaPage struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// FetchIncremental resumes the inbox delta query from the cursor's delta
// link, following next links until Graph hands back a fresh delta link.
func (a *OutlookAdapter) FetchIncremental(ctx context.Context, accessToken, cursor string) (*FetchResult, error) {
	endpoint := a.BaseURL + "/v1.0/me/mailFolders/inbox/messages/delta"
	if strings.HasPrefix(cursor, "http") {
		endpoint = cursor
	}

	var records []json.RawMessage
	newCursor := cursor
	for {
		var page graphDeltaPage
		if err := getJSON(ctx, a.client, endpoint, accessToken, &page); err != nil {
			return nil, fmt.Errorf("outlook delta: %w", err)
		}
		records = append(records, page.Value...)
		if page.DeltaLink != "" {
			newCursor = page.DeltaLink
			break
		}
		if page.NextLink == "" {
			break
		}
		endpoint = page.NextLink
	}

	return &FetchResult{Records: records, Cursor: newCursor}, nil
}

type graphMessage struct {
	ID               string `json:"id"`
	ReceivedDateTime string `json:"receivedDateTime"`
	IsRead           bool   `json:"isRead"`
}

func (a *OutlookAdapter) Normalize(records []json.RawMessage) []NormalizedEvent {
	events := make([]NormalizedEvent, 0, len(records))
	for _, raw := range records {
		var msg graphMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
			a.logger.Warn("dropping malformed record", zap.String("provider", "outlook"))
			continue
		}
		occurredAt, err := time.Parse(time.RFC3339, msg.ReceivedDateTime)
		if err != nil {
			a.logger.Warn("dropping message without received time",
				zap.String("provider", "outlook"),
				zap.String("id", msg.ID),
			)
			continue
		}
		unread := 1.0
		if msg.IsRead {
			unread = 0
		}
		events = append(events, NormalizedEvent{
			Provider:      "outlook",
			Category:      CategoryMessage,
			OccurredAt:    occurredAt,
			Metrics:       map[string]float64{"messages": 1, "unread": unread},
			SourceEventID: msg.ID,
		})
	}
	return events
}
