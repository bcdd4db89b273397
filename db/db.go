// Package db stores OAuth tokens and key-value settings in Postgres. The
// handle is injected; nothing here reads globals. Tokens are encrypted when
// the Store is given an Encryptor.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/onnwee/chatdeck/crypto"
)

// Token accounts.
const (
	AccountHost = "twitch:host"
	AccountBot  = "twitch:bot"
)

// ActiveComponentsKey holds the JSON list of active component ids.
const ActiveComponentsKey = "components:active"

// ErrNotFound is returned when a token row does not exist.
var ErrNotFound = errors.New("db: not found")

// Token is a stored user access token.
type Token struct {
	Account      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
	Login        string
	UserID       string
}

// Connect opens a pgx-backed handle and verifies it.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: empty DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Store is the Postgres implementation of token and kv storage.
type Store struct {
	db  *sql.DB
	enc crypto.Encryptor
	log *slog.Logger
}

// NewStore wraps db. enc may be nil, in which case tokens are stored in
// plaintext and a warning is logged once.
func NewStore(db *sql.DB, enc crypto.Encryptor) *Store {
	s := &Store{db: db, enc: enc, log: slog.Default().With(slog.String("component", "db"))}
	if enc == nil {
		s.log.Warn("ENCRYPTION_KEY not set, OAuth tokens are stored in plaintext")
	}
	return s
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// SaveToken inserts or replaces the token of t.Account.
func (s *Store) SaveToken(ctx context.Context, t Token) error {
	access, refresh := t.AccessToken, t.RefreshToken
	version, keyID := 0, ""
	if s.enc != nil {
		var err error
		if access, err = crypto.EncryptString(s.enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(s.enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version, keyID = 1, s.enc.KeyID()
	}
	var expiry sql.NullTime
	if !t.Expiry.IsZero() {
		expiry = sql.NullTime{Time: t.Expiry, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens(account, access_token, refresh_token, expires_at, scope, login, user_id, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		ON CONFLICT(account) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=EXCLUDED.scope,
			login=EXCLUDED.login,
			user_id=EXCLUDED.user_id,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		t.Account, access, refresh, expiry, t.Scope, t.Login, t.UserID, version, keyID)
	if err != nil {
		return fmt.Errorf("save token %s: %w", t.Account, err)
	}
	return nil
}

// GetToken loads the token of account. Missing rows return ErrNotFound.
func (s *Store) GetToken(ctx context.Context, account string) (Token, error) {
	t := Token{Account: account}
	var expiry sql.NullTime
	var version int
	var keyID string
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, scope, login, user_id, encryption_version, encryption_key_id
		FROM oauth_tokens WHERE account = $1`, account).
		Scan(&t.AccessToken, &t.RefreshToken, &expiry, &t.Scope, &t.Login, &t.UserID, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("get token %s: %w", account, err)
	}
	if expiry.Valid {
		t.Expiry = expiry.Time
	}
	if version == 1 {
		if s.enc == nil {
			return Token{}, fmt.Errorf("token %s is encrypted but no ENCRYPTION_KEY is configured", account)
		}
		if t.AccessToken, err = crypto.DecryptString(s.enc, t.AccessToken, keyID); err != nil {
			return Token{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if t.RefreshToken, err = crypto.DecryptString(s.enc, t.RefreshToken, keyID); err != nil {
			return Token{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return t, nil
}

// PlaintextAccounts lists accounts whose tokens are stored unencrypted.
func (s *Store) PlaintextAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account FROM oauth_tokens WHERE encryption_version = 0 ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("list plaintext tokens: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteToken removes the token of account.
func (s *Store) DeleteToken(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE account = $1`, account)
	return err
}

func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

func (s *Store) DeleteKV(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key)
	return err
}

// ListKV returns every pair whose key starts with prefix.
func (s *Store) ListKV(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key LIKE $1 ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ActiveComponents returns the persisted active list. ok is false when the
// list was never stored.
func (s *Store) ActiveComponents(ctx context.Context) ([]string, bool, error) {
	return activeComponents(ctx, s)
}

// SetActiveComponents persists ids as the active list.
func (s *Store) SetActiveComponents(ctx context.Context, ids []string) error {
	return setActiveComponents(ctx, s, ids)
}

type kvStore interface {
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
}

func activeComponents(ctx context.Context, kv kvStore) ([]string, bool, error) {
	raw, ok, err := kv.GetKV(ctx, ActiveComponentsKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", ActiveComponentsKey, err)
	}
	return ids, true, nil
}

func setActiveComponents(ctx context.Context, kv kvStore, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return kv.SetKV(ctx, ActiveComponentsKey, string(b))
}
