package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gopkg.in/guregu/null.v3"

	"github.com/sekia-ai/calhub/internal/model"
)

const accountColumns = `id, name, server_url, auth_kind, username, secret,
	oauth_client_id, oauth_client_secret, access_token, refresh_token, token_expiry,
	sync_interval, enabled, last_synced_at, last_error, needs_reauth, created_at, updated_at`

// CreateAccount inserts a. ID and timestamps are filled in when empty.
func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now

	sealed, err := s.sealAccount(*a)
	if err != nil {
		return err
	}
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`) VALUES (
			:id, :name, :server_url, :auth_kind, :username, :secret,
			:oauth_client_id, :oauth_client_secret, :access_token, :refresh_token, :token_expiry,
			:sync_interval, :enabled, :last_synced_at, :last_error, :needs_reauth, :created_at, :updated_at)`, sealed)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		return nil
	})
}

// GetAccount returns the account with id.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "account", id)
	}
	if err := s.openAccount(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccounts returns every account ordered by name.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	if err := s.db.SelectContext(ctx, &accounts, `SELECT `+accountColumns+` FROM accounts ORDER BY name, id`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	for i := range accounts {
		if err := s.openAccount(&accounts[i]); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

// AccountFields selects the column groups UpdateAccount writes.
type AccountFields uint8

const (
	// AccountSettings covers name, server URL, sync interval and enabled.
	AccountSettings AccountFields = 1 << iota
	// AccountLogin covers username, secret and the OAuth client. Writing it
	// clears needs_reauth.
	AccountLogin
	// AccountTokens covers the access token, refresh token and expiry.
	// Writing it clears needs_reauth.
	AccountTokens
)

// UpdateAccount writes the column groups in fields from a. Columns outside
// those groups keep whatever is stored, so a settings change never rewrites
// tokens saved by a concurrent refresh.
func (s *Store) UpdateAccount(ctx context.Context, a *model.Account, fields AccountFields) error {
	a.UpdatedAt = s.now()
	sealed, err := s.sealAccount(*a)
	if err != nil {
		return err
	}

	set := []string{"updated_at = :updated_at"}
	if fields&AccountSettings != 0 {
		set = append(set, "name = :name", "server_url = :server_url",
			"sync_interval = :sync_interval", "enabled = :enabled")
	}
	if fields&AccountLogin != 0 {
		set = append(set, "username = :username", "secret = :secret",
			"oauth_client_id = :oauth_client_id", "oauth_client_secret = :oauth_client_secret")
	}
	if fields&AccountTokens != 0 {
		set = append(set, "access_token = :access_token", "refresh_token = :refresh_token",
			"token_expiry = :token_expiry")
	}
	if fields&(AccountLogin|AccountTokens) != 0 {
		set = append(set, "needs_reauth = 0")
	}

	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `UPDATE accounts SET `+strings.Join(set, ", ")+` WHERE id = :id`, sealed)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		return requireRow(res, "account", a.ID)
	})
}

// SetAccountEnabled flips the enabled flag.
func (s *Store) SetAccountEnabled(ctx context.Context, id string, enabled bool) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, s.now(), id)
		if err != nil {
			return fmt.Errorf("set account enabled: %w", err)
		}
		return requireRow(res, "account", id)
	})
}

// DeleteAccount removes the account; calendars, events, copy rules and links
// referencing it go with it.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		return requireRow(res, "account", id)
	})
}

// SaveTokens stores a new token set in one statement: access token, refresh
// token and expiry change together or not at all. A stored token set is
// known-good, so needs_reauth is cleared.
func (s *Store) SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	access, err := s.seal(accessToken)
	if err != nil {
		return err
	}
	refresh, err := s.seal(refreshToken)
	if err != nil {
		return err
	}
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET
			access_token = ?, refresh_token = ?, token_expiry = ?, needs_reauth = 0, updated_at = ?
			WHERE id = ?`, access, refresh, nullTime(expiry), s.now(), id)
		if err != nil {
			return fmt.Errorf("save tokens: %w", err)
		}
		return requireRow(res, "account", id)
	})
}

// MarkNeedsReauth flags the account as permanently unauthorized. Stored
// tokens are left as they are.
func (s *Store) MarkNeedsReauth(ctx context.Context, id, reason string) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET needs_reauth = 1, last_error = ?, updated_at = ? WHERE id = ?`,
			reason, s.now(), id)
		if err != nil {
			return fmt.Errorf("mark needs reauth: %w", err)
		}
		return requireRow(res, "account", id)
	})
}

// RecordAccountSync stores the outcome of a sync pass. last_synced_at only
// moves when syncedAt is valid.
func (s *Store) RecordAccountSync(ctx context.Context, id string, syncedAt null.Time, errMsg string) error {
	return s.withRetryTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET
			last_synced_at = COALESCE(?, last_synced_at), last_error = ?
			WHERE id = ?`, syncedAt, errMsg, id)
		if err != nil {
			return fmt.Errorf("record account sync: %w", err)
		}
		return requireRow(res, "account", id)
	})
}

func (s *Store) seal(v string) (string, error) {
	if s.cipher == nil || v == "" {
		return v, nil
	}
	sealed, err := s.cipher.Seal(v)
	if err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	return sealed, nil
}

func (s *Store) open(v string) (string, error) {
	if s.cipher == nil || v == "" {
		return v, nil
	}
	plain, err := s.cipher.Open(v)
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	return plain, nil
}

func (s *Store) sealAccount(a model.Account) (model.Account, error) {
	for _, f := range []*string{&a.Secret, &a.OAuthClientSecret, &a.AccessToken, &a.RefreshToken} {
		v, err := s.seal(*f)
		if err != nil {
			return a, err
		}
		*f = v
	}
	return a, nil
}

func (s *Store) openAccount(a *model.Account) error {
	for _, f := range []*string{&a.Secret, &a.OAuthClientSecret, &a.AccessToken, &a.RefreshToken} {
		v, err := s.open(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

func nullTime(t time.Time) null.Time {
	if t.IsZero() {
		return null.Time{}
	}
	return null.TimeFrom(t.UTC())
}
