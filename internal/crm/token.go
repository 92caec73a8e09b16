package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"intake/internal/domain"
	"intake/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const (
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"

	DefaultTokenSkew = 90 * time.Second
	// DefaultTokenLifetime is assumed when a token response has no expires_in.
	DefaultTokenLifetime = time.Hour
)

// Token is one issued credential. It is replaced wholesale on refresh and
// never leaves the cache unmasked.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenView is the masked form of the cached token.
type TokenView struct {
	Present         bool      `json:"present"`
	Preview         string    `json:"preview,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt,omitempty"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
	Exchanges       int64     `json:"exchanges"`
}

type TokenConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Skew is taken off every token lifetime. Negative selects
	// DefaultTokenSkew; zero disables it.
	Skew time.Duration
}

// TokenCache owns the CRM access token. Concurrent callers that find the
// token missing or expired share a single exchange.
type TokenCache struct {
	cfg        TokenConfig
	httpClient *http.Client
	now        func() time.Time
	logger     *zerolog.Logger

	mu        sync.RWMutex
	token     *Token
	exchanges int64

	flight singleflight.Group
}

type TokenOption func(*TokenCache)

func WithClock(now func() time.Time) TokenOption {
	return func(c *TokenCache) { c.now = now }
}

func WithHTTPClient(client *http.Client) TokenOption {
	return func(c *TokenCache) { c.httpClient = client }
}

func WithTokenLogger(logger *zerolog.Logger) TokenOption {
	return func(c *TokenCache) { c.logger = logger }
}

func NewTokenCache(cfg TokenConfig, opts ...TokenOption) *TokenCache {
	if cfg.Skew < 0 {
		cfg.Skew = DefaultTokenSkew
	}
	nop := zerolog.Nop()
	c := &TokenCache{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
		logger:     &nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a non-expired access token, exchanging credentials first when
// the cached one is missing or expired.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok := c.current(); tok != nil && c.valid(tok) {
		return tok.AccessToken, nil
	}

	v, err, _ := c.flight.Do("token", func() (interface{}, error) {
		// A caller that queued behind a finished flight sees the new token here.
		if tok := c.current(); tok != nil && c.valid(tok) {
			return tok, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(*Token).AccessToken, nil
}

// Refresh forces an exchange regardless of the cached token's expiry.
func (c *TokenCache) Refresh(ctx context.Context) (string, error) {
	v, err, _ := c.flight.Do("token", func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(*Token).AccessToken, nil
}

// Invalidate drops the cached token so the next call exchanges again.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *TokenCache) View() TokenView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view := TokenView{Exchanges: c.exchanges}
	if c.token == nil {
		return view
	}
	view.Present = true
	view.Preview = MaskToken(c.token.AccessToken)
	view.ExpiresAt = c.token.ExpiresAt
	view.HasRefreshToken = c.token.RefreshToken != ""
	return view
}

func (c *TokenCache) current() *Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *TokenCache) valid(tok *Token) bool {
	return tok.AccessToken != "" && c.now().Before(tok.ExpiresAt)
}

// refresh runs inside the flight. The refresh grant is tried first when a
// refresh token is cached; any failure falls through to client credentials.
func (c *TokenCache) refresh(ctx context.Context) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	if cached := c.current(); cached != nil && cached.RefreshToken != "" {
		tok, err := c.exchangeRefresh(ctx, cached.RefreshToken)
		metrics.IncTokenExchange(GrantRefreshToken, err == nil)
		if err == nil {
			return c.store(tok, cached.RefreshToken), nil
		}
		c.logger.Warn().Err(err).Msg("CRM refresh grant failed, falling back to client credentials")
	}

	tok, err := c.exchangeClientCredentials(ctx)
	metrics.IncTokenExchange(GrantClientCredentials, err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenUnavailable, err)
	}
	return c.store(tok, ""), nil
}

func (c *TokenCache) exchangeRefresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func (c *TokenCache) exchangeClientCredentials(ctx context.Context) (*oauth2.Token, error) {
	conf := &clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     c.cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return conf.Token(ctx)
}

// store replaces the cached token. Expiry is measured on the cache clock at
// exchange time: now + max(expires_in - skew, 0).
func (c *TokenCache) store(tok *oauth2.Token, previousRefresh string) *Token {
	if tok.AccessToken == "" {
		c.logger.Warn().Msg("CRM token response without access_token")
	}
	now := c.now()
	raw, ok := expiresIn(tok, time.Now())
	if !ok {
		c.logger.Warn().Dur("assumed_lifetime", DefaultTokenLifetime).Msg("CRM token response without expires_in")
		raw = DefaultTokenLifetime
	}
	lifetime := raw - c.cfg.Skew
	if lifetime < 0 {
		lifetime = 0
	}

	next := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    now.Add(lifetime),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = previousRefresh
	}

	c.mu.Lock()
	c.token = next
	c.exchanges++
	c.mu.Unlock()

	c.logger.Debug().Time("expires_at", next.ExpiresAt).Msg("CRM token cached")
	return next
}

// expiresIn reads the raw expires_in field, falling back to the expiry the
// oauth2 package derived from the wall clock. ok is false when the response
// carried neither.
func expiresIn(tok *oauth2.Token, wall time.Time) (time.Duration, bool) {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), true
	case json.Number:
		if n, err := v.Float64(); err == nil {
			return time.Duration(n * float64(time.Second)), true
		}
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(n * float64(time.Second)), true
		}
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(wall), true
	}
	return 0, false
}

// MaskToken keeps a short prefix of a credential for diagnostics.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	keep := 8
	if len(token) <= 6 {
		keep = 2
	}
	if keep > len(token) {
		keep = len(token)
	}
	return token[:keep] + "****"
}
