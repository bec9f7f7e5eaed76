// Package store is the durable local cache: accounts, calendars, events,
// copy rules and copy links in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/sekia-ai/calhub/internal/model"
)

// Cipher seals credential columns at rest. A nil Cipher stores plaintext.
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Store wraps the SQLite database.
type Store struct {
	db     *sqlx.DB
	cipher Cipher
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCipher seals account secrets and tokens with c.
func WithCipher(c Cipher) Option {
	return func(s *Store) { s.cipher = c }
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; token and merge writes rely on it.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		server_url TEXT NOT NULL DEFAULT '',
		auth_kind TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL DEFAULT '',
		oauth_client_id TEXT NOT NULL DEFAULT '',
		oauth_client_secret TEXT NOT NULL DEFAULT '',
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expiry DATETIME,
		sync_interval INTEGER NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		last_synced_at DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		needs_reauth BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS calendars (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		remote_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT 1,
		missing BOOLEAN NOT NULL DEFAULT 0,
		reenable BOOLEAN NOT NULL DEFAULT 0,
		last_synced_at DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		UNIQUE (account_id, remote_id)
	);
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		calendar_id TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
		remote_id TEXT NOT NULL,
		href TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		start_at DATETIME NOT NULL,
		end_at DATETIME,
		all_day BOOLEAN NOT NULL DEFAULT 0,
		location TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		rrule TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		etag TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (calendar_id, remote_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_calendar_start ON events (calendar_id, start_at);
	CREATE INDEX IF NOT EXISTS idx_events_origin ON events (calendar_id, origin);
	CREATE TABLE IF NOT EXISTS copy_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		source_calendar_id TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
		destination_calendar_id TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		last_executed_at DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		CHECK (source_calendar_id <> destination_calendar_id)
	);
	CREATE TABLE IF NOT EXISTS copy_links (
		rule_id TEXT NOT NULL REFERENCES copy_rules(id) ON DELETE CASCADE,
		source_remote_id TEXT NOT NULL,
		destination_event_id TEXT NOT NULL,
		source_etag TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (rule_id, source_remote_id)
	);
	`)
	return err
}

// withRetryTx runs fn in a transaction, retrying with exponential backoff
// while SQLite reports the database busy or locked.
func (s *Store) withRetryTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	operation := func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("begin transaction: %w", err))
		}

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				return backoff.Permanent(fmt.Errorf("rollback after %v: %w", err, rbErr))
			}
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("commit transaction: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isCheckViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// notFound maps sql.ErrNoRows to model.ErrNotFound.
func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFound(kind, id)
	}
	return err
}

// requireRow turns a zero-row update or delete into model.ErrNotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NotFound(kind, id)
	}
	return nil
}
