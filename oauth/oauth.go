// Package oauth runs the Twitch authorization code flow for the host and bot
// accounts and keeps their stored tokens fresh.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/chatdeck/db"
)

// StateTTL bounds how long an authorization attempt may take.
const StateTTL = 10 * time.Minute

var (
	ErrUnknownAccount = errors.New("oauth: unknown account")
	ErrInvalidState   = errors.New("oauth: invalid or expired state")
)

// TokenStore persists tokens. *db.Store and *db.MemoryStore satisfy it.
type TokenStore interface {
	GetToken(ctx context.Context, account string) (db.Token, error)
	SaveToken(ctx context.Context, t db.Token) error
}

// Config holds the application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HostScopes   []string
	BotScopes    []string
	// AuthURL and TokenURL override the Twitch endpoint, for tests.
	AuthURL  string
	TokenURL string
}

// Provider builds per-account oauth2 configs and tracks pending
// authorization states.
type Provider struct {
	cfg    Config
	states *gocache.Cache
	log    *slog.Logger
}

func NewProvider(cfg Config) *Provider {
	return &Provider{
		cfg:    cfg,
		states: gocache.New(StateTTL, 2*StateTTL),
		log:    slog.Default().With(slog.String("component", "oauth")),
	}
}

// Configured reports whether client credentials are present.
func (p *Provider) Configured() bool {
	return p.cfg.ClientID != "" && p.cfg.ClientSecret != "" && p.cfg.RedirectURL != ""
}

func (p *Provider) config(account string) (*oauth2.Config, error) {
	var scopes []string
	switch account {
	case db.AccountHost:
		scopes = p.cfg.HostScopes
	case db.AccountBot:
		scopes = p.cfg.BotScopes
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	ep := twitch.Endpoint
	if p.cfg.AuthURL != "" {
		ep.AuthURL = p.cfg.AuthURL
	}
	if p.cfg.TokenURL != "" {
		ep.TokenURL = p.cfg.TokenURL
	}
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint:     ep,
	}, nil
}

// ParseAccount maps "host"/"bot" (or the full account key) to an account key.
func ParseAccount(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host", db.AccountHost:
		return db.AccountHost, nil
	case "bot", db.AccountBot:
		return db.AccountBot, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAccount, s)
}

// AuthCodeURL starts an authorization for account and returns the URL to
// send the user to. The embedded state is single-use.
func (p *Provider) AuthCodeURL(account string) (string, error) {
	c, err := p.config(account)
	if err != nil {
		return "", err
	}
	if !p.Configured() {
		return "", errors.New("oauth: TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET and TWITCH_REDIRECT_URI are required")
	}
	state := uuid.NewString()
	p.states.Set(state, account, gocache.DefaultExpiration)
	// force_verify lets the bot account be authorized from a browser logged in as the host.
	return c.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true")), nil
}

// ConsumeState resolves and invalidates state.
func (p *Provider) ConsumeState(state string) (string, error) {
	v, ok := p.states.Get(state)
	if !ok {
		return "", ErrInvalidState
	}
	p.states.Delete(state)
	return v.(string), nil
}

// Exchange trades code for a token of account.
func (p *Provider) Exchange(ctx context.Context, account, code string) (db.Token, error) {
	c, err := p.config(account)
	if err != nil {
		return db.Token{}, err
	}
	tok, err := c.Exchange(ctx, code)
	if err != nil {
		return db.Token{}, fmt.Errorf("exchange %s: %w", account, err)
	}
	return fromOAuth2(account, tok, ""), nil
}

// Refresh redeems refreshToken for a new token of account.
func (p *Provider) Refresh(ctx context.Context, account, refreshToken string) (db.Token, error) {
	c, err := p.config(account)
	if err != nil {
		return db.Token{}, err
	}
	// An expired token forces the refresh grant.
	tok, err := c.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}).Token()
	if err != nil {
		return db.Token{}, fmt.Errorf("refresh %s: %w", account, err)
	}
	return fromOAuth2(account, tok, ""), nil
}

// TokenSource returns a source for t that refreshes through the token
// endpoint and writes every new token back to store.
func (p *Provider) TokenSource(ctx context.Context, store TokenStore, t db.Token) (oauth2.TokenSource, error) {
	c, err := p.config(t.Account)
	if err != nil {
		return nil, err
	}
	base := c.TokenSource(ctx, &oauth2.Token{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, Expiry: t.Expiry, TokenType: "Bearer"})
	return &persistingSource{base: base, store: store, tmpl: t, last: t.AccessToken, log: p.log}, nil
}

type persistingSource struct {
	base  oauth2.TokenSource
	store TokenStore
	log   *slog.Logger

	mu   sync.Mutex
	tmpl db.Token
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	s.last = tok.AccessToken
	next := fromOAuth2(s.tmpl.Account, tok, s.tmpl.Scope)
	next.Login, next.UserID = s.tmpl.Login, s.tmpl.UserID
	if next.RefreshToken == "" {
		next.RefreshToken = s.tmpl.RefreshToken
	}
	s.tmpl = next
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveToken(ctx, next); err != nil {
		s.log.Warn("refreshed token not persisted", slog.String("account", next.Account), slog.Any("err", err))
	} else {
		s.log.Info("token refreshed", slog.String("account", next.Account))
	}
	return tok, nil
}

// fromOAuth2 converts tok. Twitch returns scope as a JSON array, available
// through Extra.
func fromOAuth2(account string, tok *oauth2.Token, scope string) db.Token {
	if raw, ok := tok.Extra("scope").([]any); ok {
		parts := make([]string, 0, len(raw))
		for _, s := range raw {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		scope = strings.Join(parts, " ")
	} else if s, ok := tok.Extra("scope").(string); ok && s != "" {
		scope = s
	}
	return db.Token{
		Account:      account,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scope,
	}
}
