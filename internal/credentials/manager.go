// Package credentials turns stored account credentials into usable ones,
// refreshing OAuth access tokens ahead of expiry and flagging accounts whose
// grant has been revoked.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	googleoauth2 "golang.org/x/oauth2/google"

	"github.com/sekia-ai/calhub/internal/metrics"
	"github.com/sekia-ai/calhub/internal/model"
)

// RefreshMargin is how close to expiry an access token may get before it is
// refreshed.
const RefreshMargin = 5 * time.Minute

// Store is the persistence the manager needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
	MarkNeedsReauth(ctx context.Context, id, reason string) error
}

// OAuthApp is the environment-wide OAuth client used by accounts that do not
// carry their own.
type OAuthApp struct {
	ClientID     string
	ClientSecret string // #nosec G117 -- config value
}

// Manager hands out usable credentials. Refreshes are serialized per account,
// so concurrent callers for one account trigger at most one refresh while
// other accounts proceed independently.
type Manager struct {
	store  Store
	logger zerolog.Logger

	// Endpoint is the OAuth token endpoint; Google's by default.
	Endpoint oauth2.Endpoint
	// HTTPClient is used for token requests when set.
	HTTPClient *http.Client
	Metrics    *metrics.Metrics

	appMu sync.RWMutex
	app   OAuthApp

	now   func() time.Time
	locks keyedMutex
}

// NewManager creates a Manager backed by store.
func NewManager(store Store, app OAuthApp, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		app:      app,
		logger:   logger.With().Str("component", "credentials").Logger(),
		Endpoint: googleoauth2.Endpoint,
		now:      time.Now,
	}
}

// SetApp replaces the fallback OAuth client, e.g. after a config reload.
func (m *Manager) SetApp(app OAuthApp) {
	m.appMu.Lock()
	m.app = app
	m.appMu.Unlock()
}

// GetUsable returns the credential for accountID.
//
// Basic accounts get their stored pair, or ErrMissingConfig when incomplete.
// OAuth accounts get their access token when it is valid for longer than
// RefreshMargin; otherwise the token is refreshed and persisted first. A
// revoked grant marks the account needs_reauth and yields ErrNeedsReauth;
// any other refresh failure yields ErrRefreshFailed and leaves the flag alone.
func (m *Manager) GetUsable(ctx context.Context, accountID string) (model.Credential, error) {
	unlock := m.locks.lock(accountID)
	defer unlock()

	// Read under the lock so a caller that waited sees the refreshed tokens.
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	switch acct.AuthKind {
	case model.AuthBasic:
		if acct.Username == "" || acct.Secret == "" {
			return nil, fmt.Errorf("%w: account %q has no username or secret", model.ErrMissingConfig, acct.Name)
		}
		return model.BasicCredential{Username: acct.Username, Password: acct.Secret}, nil
	case model.AuthOAuth:
		return m.oauthCredential(ctx, acct)
	default:
		return nil, model.Invalid("account %q has unknown auth kind %q", acct.Name, acct.AuthKind)
	}
}

func (m *Manager) oauthCredential(ctx context.Context, acct *model.Account) (model.Credential, error) {
	if acct.NeedsReauth {
		return nil, fmt.Errorf("%w: account %q", model.ErrNeedsReauth, acct.Name)
	}

	current := &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       acct.TokenExpiry.Time,
	}
	if acct.AccessToken != "" && acct.TokenExpiry.Valid && acct.TokenExpiry.Time.After(m.now().Add(RefreshMargin)) {
		return model.OAuthCredential{Token: current}, nil
	}

	if acct.RefreshToken == "" {
		return nil, fmt.Errorf("%w: account %q has no refresh token", model.ErrMissingConfig, acct.Name)
	}
	cfg, err := m.OAuthConfig(acct)
	if err != nil {
		return nil, err
	}

	if m.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.HTTPClient)
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken}).Token()
	if err != nil {
		return nil, m.refreshFailed(ctx, acct, err)
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = acct.RefreshToken
	}
	// The token endpoint already consumed the grant; persist even if the
	// caller gave up waiting.
	if err := m.store.SaveTokens(context.WithoutCancel(ctx), acct.ID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	m.Metrics.TokenRefresh("ok")
	m.logger.Debug().Str("account_id", acct.ID).Time("expiry", tok.Expiry).Msg("access token refreshed")
	return model.OAuthCredential{Token: tok}, nil
}

func (m *Manager) refreshFailed(ctx context.Context, acct *model.Account, err error) error {
	if IsRevoked(err) {
		m.Metrics.TokenRefresh("revoked")
		m.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("refresh token revoked, account needs re-authorization")
		if markErr := m.store.MarkNeedsReauth(context.WithoutCancel(ctx), acct.ID, "re-authorization required: "+err.Error()); markErr != nil {
			return fmt.Errorf("%w: %v (flag not saved: %v)", model.ErrNeedsReauth, err, markErr)
		}
		return fmt.Errorf("%w: %v", model.ErrNeedsReauth, err)
	}
	m.Metrics.TokenRefresh("failed")
	m.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("token refresh failed")
	return fmt.Errorf("%w: %v", model.ErrRefreshFailed, err)
}

// IsRevoked reports whether a token endpoint error means the grant is gone
// for good.
func IsRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	return re.ErrorCode == "invalid_grant"
}

// OAuthConfig builds the oauth2 client config for acct, falling back to the
// environment-wide client when the account has none.
func (m *Manager) OAuthConfig(acct *model.Account) (*oauth2.Config, error) {
	id, secret := acct.OAuthClientID, acct.OAuthClientSecret
	if id == "" {
		m.appMu.RLock()
		id, secret = m.app.ClientID, m.app.ClientSecret
		m.appMu.RUnlock()
	}
	if id == "" {
		return nil, fmt.Errorf("%w: no OAuth client id for account %q (set google.client_id)", model.ErrMissingConfig, acct.Name)
	}
	return &oauth2.Config{
		ClientID:     id,
		ClientSecret: secret,
		Endpoint:     m.Endpoint,
		Scopes:       Scopes,
	}, nil
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
