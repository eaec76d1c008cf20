package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/config"
	"github.com/moccet/moccet-health-sub016/internal/provider"
)

// Grant is the decoded result of a token endpoint exchange.
type Grant struct {
	AccessToken    string
	RefreshToken   *string
	ExpiresAt      *time.Time
	Scopes         []string
	ProviderUserID string
}

// OAuthClient talks to provider token endpoints with standard
// application/x-www-form-urlencoded requests.
type OAuthClient struct {
	client *http.Client
	logger *zap.Logger
}

func NewOAuthClient(client *http.Client, logger *zap.Logger) *OAuthClient {
	return &OAuthClient{client: client, logger: logger}
}

// flexID tolerates the providers that return numeric account ids where
// others return strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexID(s)
	return nil
}

// tokenResponse is the superset of the token endpoint shapes across
// providers. Account ids land in different fields per provider; firstOf
// picks whichever is populated.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`

	UserID  flexID `json:"user_id"`
	XUserID flexID `json:"xid"`
	Athlete struct {
		ID flexID `json:"id"`
	} `json:"athlete"`
	AuthedUser struct {
		ID flexID `json:"id"`
	} `json:"authed_user"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (t *tokenResponse) providerUserID() string {
	for _, id := range []flexID{t.UserID, t.Athlete.ID, t.AuthedUser.ID, t.XUserID} {
		if id != "" {
			return string(id)
		}
	}
	return ""
}

// Exchange trades an authorization code for tokens.
func (c *OAuthClient) Exchange(ctx context.Context, oauth provider.OAuthConfig, creds config.ProviderCreds, code, redirectURI string) (*Grant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)

	return c.tokenRequest(ctx, oauth.TokenURL, form)
}

// Refresh trades a refresh token for a new access token.
func (c *OAuthClient) Refresh(ctx context.Context, oauth provider.OAuthConfig, creds config.ProviderCreds, refreshToken string) (*Grant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)

	return c.tokenRequest(ctx, oauth.TokenURL, form)
}

// Revoke invalidates a token upstream. Providers without a revocation
// endpoint are a no-op.
func (c *OAuthClient) Revoke(ctx context.Context, oauth provider.OAuthConfig, creds config.ProviderCreds, accessToken string) error {
	if oauth.RevokeURL == "" {
		return nil
	}

	form := url.Values{}
	form.Set("token", accessToken)
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauth.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *OAuthClient) tokenRequest(ctx context.Context, tokenURL string, form url.Values) (*Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || tr.Error != "" {
		return nil, fmt.Errorf("token endpoint error (status %d): %s %s",
			resp.StatusCode, tr.Error, tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token (status %d)", resp.StatusCode)
	}

	grant := &Grant{
		AccessToken:    tr.AccessToken,
		ProviderUserID: tr.providerUserID(),
	}
	if tr.RefreshToken != "" {
		grant.RefreshToken = &tr.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		grant.ExpiresAt = &t
	}
	if tr.Scope != "" {
		grant.Scopes = strings.FieldsFunc(tr.Scope, func(r rune) bool { return r == ' ' || r == ',' })
	}
	return grant, nil
}

// buildAuthorizeURL assembles the provider consent URL.
func buildAuthorizeURL(oauth provider.OAuthConfig, creds config.ProviderCreds, redirectURI, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", creds.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	if len(oauth.Scopes) > 0 {
		q.Set("scope", strings.Join(oauth.Scopes, " "))
	}

	sep := "?"
	if strings.Contains(oauth.AuthURL, "?") {
		sep = "&"
	}
	return oauth.AuthURL + sep + q.Encode()
}
