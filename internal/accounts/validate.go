package accounts

import (
	"net/url"
	"strings"
	"time"

	"github.com/sekia-ai/calhub/internal/model"
)

// MinSyncInterval is the shortest per-account interval accepted.
const MinSyncInterval = time.Minute

// Validate checks that a carries exactly the fields its auth kind needs.
func Validate(a *model.Account) error {
	if strings.TrimSpace(a.Name) == "" {
		return model.Invalid("name is required")
	}
	if !a.AuthKind.IsValid() {
		return model.Invalid("auth_kind must be %q or %q", model.AuthBasic, model.AuthOAuth)
	}
	if a.SyncInterval != 0 && a.SyncInterval < MinSyncInterval {
		return model.Invalid("sync_interval must be at least %s", MinSyncInterval)
	}

	switch a.AuthKind {
	case model.AuthBasic:
		if a.ServerURL == "" {
			return model.Invalid("server_url is required for basic auth")
		}
		if err := checkURL(a.ServerURL); err != nil {
			return err
		}
		if a.Username == "" || a.Secret == "" {
			return model.Invalid("username and secret are required for basic auth")
		}
		if a.OAuthClientID != "" || a.OAuthClientSecret != "" || a.AccessToken != "" || a.RefreshToken != "" {
			return model.Invalid("basic auth accounts cannot carry OAuth credentials")
		}
	case model.AuthOAuth:
		if a.RefreshToken == "" {
			return model.Invalid("refresh_token is required for oauth; run `calhubd authorize`")
		}
		if a.Username != "" || a.Secret != "" {
			return model.Invalid("oauth accounts cannot carry a username or secret")
		}
		if a.ServerURL != "" {
			if err := checkURL(a.ServerURL); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.Invalid("server_url %q must be an http(s) URL", raw)
	}
	return nil
}
