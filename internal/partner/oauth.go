package partner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"intake/internal/config"
	"intake/internal/crm"
	"intake/internal/domain"
	"intake/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Environments the partner app is registered in.
const (
	Production = "production"
	Staging    = "staging"
)

const (
	DefaultAuthURL  = "https://auth.thumbtack.com/oauth2/authorize"
	DefaultTokenURL = "https://auth.thumbtack.com/oauth2/token"

	tokenKeyPrefix = "partner_token:"
	stateKeyPrefix = "partner_state:"

	// StateTTL bounds how long an operator has to finish the consent screen.
	StateTTL = 10 * time.Minute
)

// Grant is what the callback reports after a successful exchange. The raw
// tokens never leave the secret store.
type Grant struct {
	Environment string    `json:"environment"`
	Preview     string    `json:"accessTokenPreview"`
	HasRefresh  bool      `json:"hasRefreshToken"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	Scope       string    `json:"scope,omitempty"`
}

// OAuth runs the authorization-code flow against the partner for each
// environment and keeps the resulting tokens in the secret store.
type OAuth struct {
	cfg        config.PartnerConfig
	store      domain.SecretStore
	httpClient *http.Client
	logger     *zerolog.Logger
}

type Option func(*OAuth)

func WithHTTPClient(client *http.Client) Option {
	return func(o *OAuth) { o.httpClient = client }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(o *OAuth) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func New(cfg config.PartnerConfig, store domain.SecretStore, opts ...Option) *OAuth {
	nop := zerolog.Nop()
	o := &OAuth{cfg: cfg, store: store, logger: &nop}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TokenKey is the secret store key for env.
func TokenKey(env string) string {
	return tokenKeyPrefix + env
}

// Config resolves the oauth2 settings for env. Staging inherits every unset
// value from the production settings.
func (o *OAuth) Config(env string) (*oauth2.Config, error) {
	if env != Production && env != Staging {
		return nil, fmt.Errorf("unknown partner environment %q: %w", env, domain.ErrValidation)
	}

	base := o.cfg.Environments[Production]
	merged := config.PartnerOAuth{
		ClientID:     firstNonEmpty(base.ClientID, o.cfg.ClientID),
		ClientSecret: firstNonEmpty(base.ClientSecret, o.cfg.ClientSecret),
		AuthURL:      firstNonEmpty(base.AuthURL, o.cfg.AuthURL, DefaultAuthURL),
		TokenURL:     firstNonEmpty(base.TokenURL, o.cfg.TokenURL, DefaultTokenURL),
		RedirectURI:  base.RedirectURI,
	}
	if env == Staging {
		st := o.cfg.Environments[Staging]
		merged.ClientID = firstNonEmpty(st.ClientID, merged.ClientID)
		merged.ClientSecret = firstNonEmpty(st.ClientSecret, merged.ClientSecret)
		merged.AuthURL = firstNonEmpty(st.AuthURL, merged.AuthURL)
		merged.TokenURL = firstNonEmpty(st.TokenURL, merged.TokenURL)
		merged.RedirectURI = firstNonEmpty(st.RedirectURI, merged.RedirectURI)
	}

	if merged.ClientID == "" || merged.ClientSecret == "" {
		return nil, fmt.Errorf("partner %s client credentials: %w", env, domain.ErrConfig)
	}
	if merged.RedirectURI == "" {
		return nil, fmt.Errorf("partner %s redirect_uri: %w", env, domain.ErrConfig)
	}

	return &oauth2.Config{
		ClientID:     merged.ClientID,
		ClientSecret: merged.ClientSecret,
		RedirectURL:  merged.RedirectURI,
		Scopes:       o.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   merged.AuthURL,
			TokenURL:  merged.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, nil
}

// AuthCodeURL is where an operator is sent to authorize the app.
func (o *OAuth) AuthCodeURL(env, state string) (string, error) {
	cfg, err := o.Config(env)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state), nil
}

// Start records a fresh state for env and returns the consent URL carrying
// it. An empty state gets a random one.
func (o *OAuth) Start(ctx context.Context, env, state string) (string, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		state = uuid.NewString()
	}
	target, err := o.AuthCodeURL(env, state)
	if err != nil {
		return "", err
	}
	if err := o.store.SaveSecret(ctx, stateKeyPrefix+state, []byte(env), StateTTL); err != nil {
		return "", fmt.Errorf("store partner oauth state: %w", err)
	}
	return target, nil
}

// consumeState accepts state once, and only for the environment it was
// issued for.
func (o *OAuth) consumeState(ctx context.Context, env, state string) error {
	state = strings.TrimSpace(state)
	if state == "" {
		return fmt.Errorf("missing state parameter: %w", domain.ErrAuthentication)
	}
	issued, err := o.store.TakeSecret(ctx, stateKeyPrefix+state)
	if err != nil {
		return fmt.Errorf("load partner oauth state: %w", err)
	}
	if issued == nil || string(issued) != env {
		return fmt.Errorf("unknown or expired state: %w", domain.ErrAuthentication)
	}
	return nil
}

// Exchange checks state, trades an authorization code for tokens and stores
// them under TokenKey(env).
func (o *OAuth) Exchange(ctx context.Context, env, code, state string) (*Grant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("missing code parameter: %w", domain.ErrValidation)
	}
	cfg, err := o.Config(env)
	if err != nil {
		return nil, err
	}
	if err := o.consumeState(ctx, env, state); err != nil {
		o.logger.Warn().Err(err).Str("environment", env).Msg("Partner callback rejected")
		return nil, err
	}
	if o.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	}

	log := o.logger.With().Str("environment", env).Str("redirect_uri", cfg.RedirectURL).Logger()

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		metrics.IncTokenExchange("authorization_code", false)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &domain.UpstreamError{
				Service:    "partner",
				StatusCode: re.Response.StatusCode,
				Status:     http.StatusText(re.Response.StatusCode),
				Body:       strings.TrimSpace(string(re.Body)),
			}
		}
		return nil, fmt.Errorf("partner token exchange: %v: %w", err, domain.ErrUpstream)
	}
	if tok.AccessToken == "" {
		metrics.IncTokenExchange("authorization_code", false)
		return nil, domain.ContractViolation("partner token response has no access_token")
	}
	metrics.IncTokenExchange("authorization_code", true)

	data, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("encode partner token: %w", err)
	}
	if err := o.store.SaveSecret(ctx, TokenKey(env), data, 0); err != nil {
		return nil, fmt.Errorf("store partner token: %w", err)
	}

	grant := &Grant{
		Environment: env,
		Preview:     crm.MaskToken(tok.AccessToken),
		HasRefresh:  tok.RefreshToken != "",
		ExpiresAt:   tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		grant.Scope = scope
	}
	log.Info().Str("preview", grant.Preview).Time("expires_at", grant.ExpiresAt).Msg("Partner authorization stored")
	return grant, nil
}

// Token returns the stored token for env, or domain.ErrNotFound when the app
// has not been authorized yet.
func (o *OAuth) Token(ctx context.Context, env string) (*oauth2.Token, error) {
	data, err := o.store.GetSecret(ctx, TokenKey(env))
	if err != nil {
		return nil, fmt.Errorf("load partner token: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("partner %s token: %w", env, domain.ErrNotFound)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode partner token: %w", err)
	}
	return &tok, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
