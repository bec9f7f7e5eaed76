// Package model holds the entities shared by the store, the sync engine and
// the API: accounts, calendars, events, copy rules and their links.
package model

import (
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/guregu/null.v3"
)

// AuthKind selects how an Account authenticates against its server.
type AuthKind string

const (
	AuthBasic AuthKind = "basic"
	AuthOAuth AuthKind = "oauth"
)

// IsValid reports whether k is a known auth kind.
func (k AuthKind) IsValid() bool {
	switch k {
	case AuthBasic, AuthOAuth:
		return true
	}
	return false
}

// Account is one external calendar identity.
type Account struct {
	ID                string        `db:"id"`
	Name              string        `db:"name"`
	ServerURL         string        `db:"server_url"`
	AuthKind          AuthKind      `db:"auth_kind"`
	Username          string        `db:"username"`
	Secret            string        `db:"secret"` // #nosec G117 -- credential column, not hardcoded
	OAuthClientID     string        `db:"oauth_client_id"`
	OAuthClientSecret string        `db:"oauth_client_secret"` // #nosec G117
	AccessToken       string        `db:"access_token"`
	RefreshToken      string        `db:"refresh_token"`
	TokenExpiry       null.Time     `db:"token_expiry"`
	SyncInterval      time.Duration `db:"sync_interval"`
	Enabled           bool          `db:"enabled"`
	LastSyncedAt      null.Time     `db:"last_synced_at"`
	LastError         string        `db:"last_error"`
	NeedsReauth       bool          `db:"needs_reauth"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

// Credential is the usable authentication material for one Account.
// It is either a BasicCredential or an OAuthCredential.
type Credential interface {
	kind() AuthKind
}

// BasicCredential is a static username/secret pair.
type BasicCredential struct {
	Username string
	Password string
}

func (BasicCredential) kind() AuthKind { return AuthBasic }

// OAuthCredential carries a currently valid access token.
type OAuthCredential struct {
	Token *oauth2.Token
}

func (OAuthCredential) kind() AuthKind { return AuthOAuth }

// KindOf returns the auth kind of a credential.
func KindOf(c Credential) AuthKind { return c.kind() }
