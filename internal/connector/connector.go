// Package connector builds a remote.Client for an account from its usable
// credential: CalDAV for accounts with a server URL, Google Calendar for
// OAuth accounts without one.
package connector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/remote"
	"github.com/sekia-ai/calhub/internal/remote/caldav"
	"github.com/sekia-ai/calhub/internal/remote/gcal"
)

// CredentialSource yields usable credentials; credentials.Manager is the
// production one.
type CredentialSource interface {
	GetUsable(ctx context.Context, accountID string) (model.Credential, error)
}

// Config tunes the transports.
type Config struct {
	RequestTimeout  time.Duration
	RetryMaxElapsed time.Duration
	// GoogleOptions are appended when building Google clients.
	GoogleOptions []option.ClientOption
}

// Connector is the production connector.
type Connector struct {
	creds  CredentialSource
	cfg    Config
	logger zerolog.Logger
}

// New creates a Connector.
func New(creds CredentialSource, cfg Config, logger zerolog.Logger) *Connector {
	return &Connector{creds: creds, cfg: cfg, logger: logger.With().Str("component", "connector").Logger()}
}

// Connect obtains the account's credential and returns a client for its
// server. Credential errors (ErrNeedsReauth, ErrMissingConfig,
// ErrRefreshFailed) are returned unchanged.
func (c *Connector) Connect(ctx context.Context, acct *model.Account) (remote.Client, error) {
	cred, err := c.creds.GetUsable(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	switch cred := cred.(type) {
	case model.BasicCredential:
		return c.caldav(acct, caldav.BasicAuth(cred.Username, cred.Password))
	case model.OAuthCredential:
		if acct.ServerURL != "" {
			return c.caldav(acct, caldav.BearerAuth(cred.Token.AccessToken))
		}
		client, err := gcal.New(ctx, oauth2.StaticTokenSource(cred.Token), c.cfg.GoogleOptions...)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported credential %T", cred)
	}
}

func (c *Connector) caldav(acct *model.Account, authorize func(*http.Request)) (remote.Client, error) {
	client, err := caldav.New(caldav.Options{
		BaseURL:         acct.ServerURL,
		Authorize:       authorize,
		RequestTimeout:  c.cfg.RequestTimeout,
		RetryMaxElapsed: c.cfg.RetryMaxElapsed,
		Logger:          c.logger.With().Str("account_id", acct.ID).Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMissingConfig, err)
	}
	return client, nil
}
