// Package credentials owns the OAuth credential lifecycle: connect,
// encrypted storage, refresh, and disconnect. Access tokens never leave
// this package unencrypted except through AccessToken, which hands the
// caller a ready-to-use bearer token.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/moccet/moccet-health-sub016/internal/config"
	"github.com/moccet/moccet-health-sub016/internal/db"
	"github.com/moccet/moccet-health-sub016/internal/provider"
)

// refreshSkew is how long before expiry a token is treated as expired, so
// a token does not die mid-sync.
const refreshSkew = 5 * time.Minute

var (
	// ErrNotConnected means the user has no active credential for the provider.
	ErrNotConnected = errors.New("integration not connected")

	// ErrProviderDisabled means the provider has no OAuth app configured.
	ErrProviderDisabled = errors.New("provider not configured")

	// ErrRefreshFailed wraps an upstream refresh rejection. The stored
	// credential is left untouched so a transient failure can recover.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// TokenRepo is the slice of the repository the store needs.
type TokenRepo interface {
	UpsertToken(ctx context.Context, tok *db.IntegrationToken) error
	GetToken(ctx context.Context, userID uuid.UUID, provider string) (*db.IntegrationToken, error)
	GetTokenByProviderUser(ctx context.Context, provider, providerUserID string) (*db.IntegrationToken, error)
	ListTokens(ctx context.Context, userID uuid.UUID) ([]*db.IntegrationToken, error)
	RotateToken(ctx context.Context, id uuid.UUID, oldAccess, newAccess string, newRefresh *string, expiresAt *time.Time) (bool, error)
	DeactivateToken(ctx context.Context, userID uuid.UUID, provider string) error
}

// Store manages integration credentials.
type Store struct {
	repo     TokenRepo
	codec    *Codec
	oauth    *OAuthClient
	registry *provider.Registry
	cfg      *config.Config
	logger   *zap.Logger

	// refreshGroup collapses concurrent refreshes of the same credential
	// into one upstream call per process. Cross-process races are settled
	// by the conditional rotate in the repository.
	refreshGroup singleflight.Group
}

func NewStore(repo TokenRepo, codec *Codec, oauth *OAuthClient, registry *provider.Registry, cfg *config.Config, logger *zap.Logger) *Store {
	return &Store{
		repo:     repo,
		codec:    codec,
		oauth:    oauth,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *Store) redirectURI(providerName string) string {
	return s.cfg.OAuthRedirectBase + "/v1/integrations/" + providerName + "/callback"
}

func (s *Store) adapter(providerName string) (provider.Adapter, error) {
	if !s.cfg.Enabled(providerName) {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, providerName)
	}
	adapter, ok := s.registry.Get(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, providerName)
	}
	return adapter, nil
}

// AuthorizeURL builds the provider consent URL for a connect flow. The
// signed state parameter carries the user and provider through the
// round-trip.
func (s *Store) AuthorizeURL(userID uuid.UUID, providerName string) (string, error) {
	adapter, err := s.adapter(providerName)
	if err != nil {
		return "", err
	}
	state := signState(s.cfg.StateSigningSecret, userID, providerName, time.Now())
	return buildAuthorizeURL(adapter.OAuth(), s.cfg.Providers[providerName], s.redirectURI(providerName), state), nil
}

// HandleCallback completes a connect flow: verifies state, exchanges the
// code, and stores the encrypted grant. Returns the user and provider the
// flow was issued for.
func (s *Store) HandleCallback(ctx context.Context, state, code string) (uuid.UUID, string, error) {
	userID, providerName, err := verifyState(s.cfg.StateSigningSecret, state, time.Now())
	if err != nil {
		return uuid.Nil, "", err
	}

	adapter, err := s.adapter(providerName)
	if err != nil {
		return uuid.Nil, "", err
	}

	grant, err := s.oauth.Exchange(ctx, adapter.OAuth(), s.cfg.Providers[providerName], code, s.redirectURI(providerName))
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("code exchange for %s: %w", providerName, err)
	}

	if err := s.save(ctx, userID, providerName, grant); err != nil {
		return uuid.Nil, "", err
	}

	s.logger.Info("integration connected",
		zap.String("user_id", userID.String()),
		zap.String("provider", providerName),
	)
	return userID, providerName, nil
}

func (s *Store) save(ctx context.Context, userID uuid.UUID, providerName string, grant *Grant) error {
	encAccess, err := s.codec.Encrypt(grant.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	tok := &db.IntegrationToken{
		ID:             uuid.New(),
		UserID:         userID,
		Provider:       providerName,
		AccessToken:    encAccess,
		ExpiresAt:      grant.ExpiresAt,
		ProviderUserID: grant.ProviderUserID,
		Scopes:         grant.Scopes,
	}
	if grant.RefreshToken != nil {
		encRefresh, err := s.codec.Encrypt(*grant.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		tok.RefreshToken = &encRefresh
	}

	return s.repo.UpsertToken(ctx, tok)
}

// AccessToken returns a usable bearer token for (user, provider),
// refreshing first when the stored one is expired or inside the skew
// window. Safe to call from any number of goroutines.
func (s *Store) AccessToken(ctx context.Context, userID uuid.UUID, providerName string) (string, error) {
	tok, err := s.repo.GetToken(ctx, userID, providerName)
	if errors.Is(err, db.ErrTokenNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, providerName)
	}
	if err != nil {
		return "", err
	}

	if !s.needsRefresh(tok) {
		return s.codec.Decrypt(tok.AccessToken)
	}

	key := userID.String() + ":" + providerName
	v, err, _ := s.refreshGroup.Do(key, func() (any, error) {
		return s.refresh(ctx, userID, providerName)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) needsRefresh(tok *db.IntegrationToken) bool {
	if tok.ExpiresAt == nil {
		return false
	}
	return time.Until(*tok.ExpiresAt) < refreshSkew
}

// refresh performs one upstream refresh and rotates the stored row. The
// rotate is guarded by the previously read ciphertext; losing that race
// means another instance already refreshed, so the winner's token is
// re-read and used instead of clobbering it.
func (s *Store) refresh(ctx context.Context, userID uuid.UUID, providerName string) (string, error) {
	tok, err := s.repo.GetToken(ctx, userID, providerName)
	if err != nil {
		return "", err
	}

	// Another caller may have finished a refresh between the caller's
	// read and this one.
	if !s.needsRefresh(tok) {
		return s.codec.Decrypt(tok.AccessToken)
	}

	if tok.RefreshToken == nil {
		return "", fmt.Errorf("%w: %s has no refresh token", ErrRefreshFailed, providerName)
	}
	refreshToken, err := s.codec.Decrypt(*tok.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	adapter, err := s.adapter(providerName)
	if err != nil {
		return "", err
	}

	grant, err := s.oauth.Refresh(ctx, adapter.OAuth(), s.cfg.Providers[providerName], refreshToken)
	if err != nil {
		s.logger.Warn("upstream token refresh rejected",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("provider", providerName),
		)
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	encAccess, err := s.codec.Encrypt(grant.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	var encRefresh *string
	if grant.RefreshToken != nil {
		enc, err := s.codec.Encrypt(*grant.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("encrypt refresh token: %w", err)
		}
		encRefresh = &enc
	}

	rotated, err := s.repo.RotateToken(ctx, tok.ID, tok.AccessToken, encAccess, encRefresh, grant.ExpiresAt)
	if err != nil {
		return "", err
	}
	if !rotated {
		// Lost the cross-instance race. Use the winner's token.
		current, err := s.repo.GetToken(ctx, userID, providerName)
		if err != nil {
			return "", err
		}
		return s.codec.Decrypt(current.AccessToken)
	}

	s.logger.Info("token refreshed",
		zap.String("user_id", userID.String()),
		zap.String("provider", providerName),
	)
	return grant.AccessToken, nil
}

// Disconnect revokes the credential upstream on a best-effort basis, then
// deactivates the local row. Local removal always happens, so a dead
// revocation endpoint cannot hold the user's data hostage.
func (s *Store) Disconnect(ctx context.Context, userID uuid.UUID, providerName string) error {
	tok, err := s.repo.GetToken(ctx, userID, providerName)
	if errors.Is(err, db.ErrTokenNotFound) {
		return fmt.Errorf("%w: %s", ErrNotConnected, providerName)
	}
	if err != nil {
		return err
	}

	if adapter, ok := s.registry.Get(providerName); ok {
		if access, err := s.codec.Decrypt(tok.AccessToken); err == nil {
			if err := s.oauth.Revoke(ctx, adapter.OAuth(), s.cfg.Providers[providerName], access); err != nil {
				s.logger.Warn("upstream revocation failed, deactivating locally anyway",
					zap.Error(err),
					zap.String("user_id", userID.String()),
					zap.String("provider", providerName),
				)
			}
		}
	}

	return s.repo.DeactivateToken(ctx, userID, providerName)
}

// ResolveUser maps a provider-side account id to the internal user who
// connected it.
func (s *Store) ResolveUser(ctx context.Context, providerName, providerUserID string) (uuid.UUID, error) {
	tok, err := s.repo.GetTokenByProviderUser(ctx, providerName, providerUserID)
	if errors.Is(err, db.ErrTokenNotFound) {
		return uuid.Nil, fmt.Errorf("%w: no account mapping for %s/%s", ErrNotConnected, providerName, providerUserID)
	}
	if err != nil {
		return uuid.Nil, err
	}
	return tok.UserID, nil
}

// Connected lists a user's active integrations.
func (s *Store) Connected(ctx context.Context, userID uuid.UUID) ([]*db.IntegrationToken, error) {
	return s.repo.ListTokens(ctx, userID)
}
