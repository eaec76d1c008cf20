package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/config"
)

const linearDefaultLookback = 24 * time.Hour

// LinearAdapter integrates the Linear issue tracker. Webhooks are signed
// with a hex HMAC over the raw body; polling goes through the GraphQL API
// filtered on an updatedAt watermark cursor.
type LinearAdapter struct {
	creds   config.ProviderCreds
	client  *http.Client
	logger  *zap.Logger
	BaseURL string
}

func NewLinearAdapter(creds config.ProviderCreds, client *http.Client, logger *zap.Logger) *LinearAdapter {
	return &LinearAdapter{
		creds:   creds,
		client:  client,
		logger:  logger,
		BaseURL: "https://api.linear.app",
	}
}

func (a *LinearAdapter) Name() string { return "linear" }

func (a *LinearAdapter) OAuth() OAuthConfig {
	return OAuthConfig{
		AuthURL:   "https://linear.app/oauth/authorize",
		TokenURL:  a.BaseURL + "/oauth/token",
		RevokeURL: a.BaseURL + "/oauth/revoke",
		Scopes:    []string{"read"},
	}
}

func (a *LinearAdapter) Handshake(http.ResponseWriter, *http.Request, []byte) bool {
	return false
}

func (a *LinearAdapter) VerifyWebhook(header http.Header, body []byte) bool {
	return validHMACHex(a.creds.WebhookSecret, header.Get("Linear-Signature"), body)
}

type linearWebhook struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID        string `json:"id"`
		UpdatedAt string `json:"updatedAt"`
	} `json:"data"`
	OrganizationID string `json:"organizationId"`
}

func (a *LinearAdapter) ParseWebhook(body []byte) (*WebhookMeta, error) {
	var hook linearWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if hook.OrganizationID == "" || hook.Data.ID == "" {
		return nil, fmt.Errorf("%w: missing organizationId or data.id", ErrMalformedWebhook)
	}
	return &WebhookMeta{
		ProviderUserID: hook.OrganizationID,
		EventType:      hook.Type + "." + hook.Action,
		DedupeKey:      fmt.Sprintf("linear:%s:%s:%s", hook.Data.ID, hook.Action, hook.Data.UpdatedAt),
	}, nil
}

const linearIssuesQuery = `query Issues($after: DateTimeOrDuration!) {
  issues(filter: { updatedAt: { gt: $after } }, first: 50) {
    nodes { id title updatedAt state { name type } }
  }
}`

type linearGraphQLResponse struct {
	Data struct {
		Issues struct {
			Nodes []json.RawMessage `json:"nodes"`
		} `json:"issues"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchIncremental queries issues updated after the cursor, an RFC 3339
// watermark. The new cursor is the latest updatedAt seen.
func (a *LinearAdapter) FetchIncremental(ctx context.Context, accessToken, cursor string) (*FetchResult, error) {
	after := time.Now().UTC().Add(-linearDefaultLookback)
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339, cursor); err == nil {
			after = t
		} else {
			a.logger.Warn("discarding unparseable cursor",
				zap.String("provider", "linear"),
				zap.String("cursor", cursor),
			)
		}
	}

	req := map[string]any{
		"query":     linearIssuesQuery,
		"variables": map[string]any{"after": after.Format(time.RFC3339)},
	}

	var resp linearGraphQLResponse
	if err := postJSON(ctx, a.client, a.BaseURL+"/graphql", accessToken, req, &resp); err != nil {
		return nil, fmt.Errorf("linear issues: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("linear issues: graphql error %s", resp.Errors[0].Message)
	}

	newCursor := after
	for _, raw := range resp.Data.Issues.Nodes {
		var issue linearIssue
		if err := json.Unmarshal(raw, &issue); err != nil {
			continue
		}
		if t, err := time.Parse(time.RFC3339, issue.UpdatedAt); err == nil && t.After(newCursor) {
			newCursor = t
		}
	}

	return &FetchResult{
		Records: resp.Data.Issues.Nodes,
		Cursor:  newCursor.Format(time.RFC3339),
	}, nil
}

type linearIssue struct {
	ID        string `json:"id"`
	UpdatedAt string `json:"updatedAt"`
	State     struct {
		Type string `json:"type"`
	} `json:"state"`
}

func (a *LinearAdapter) Normalize(records []json.RawMessage) []NormalizedEvent {
	events := make([]NormalizedEvent, 0, len(records))
	for _, raw := range records {
		var issue linearIssue
		if err := json.Unmarshal(raw, &issue); err != nil || issue.ID == "" {
			a.logger.Warn("dropping malformed record", zap.String("provider", "linear"))
			continue
		}
		occurredAt, err := time.Parse(time.RFC3339, issue.UpdatedAt)
		if err != nil {
			a.logger.Warn("dropping issue without updatedAt",
				zap.String("provider", "linear"),
				zap.String("id", issue.ID),
			)
			continue
		}
		completed := 0.0
		if issue.State.Type == "completed" {
			completed = 1
		}
		events = append(events, NormalizedEvent{
			Provider:      "linear",
			Category:      CategoryTask,
			OccurredAt:    occurredAt,
			Metrics:       map[string]float64{"issues": 1, "completed": completed},
			SourceEventID: issue.ID,
		})
	}
	return events
}
