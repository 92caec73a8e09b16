package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"intake/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	API        APIConfig        `yaml:"api"`
	CRM        CRMConfig        `yaml:"crm"`
	Partner    PartnerConfig    `yaml:"partner"`
	Stripe     StripeConfig     `yaml:"stripe"`
	Email      EmailConfig      `yaml:"email"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Booking    BookingConfig    `yaml:"booking"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Backup     BackupConfig     `yaml:"backup"`
	Worker     WorkerConfig     `yaml:"worker"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Google     GoogleConfig     `yaml:"google"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Photos     PhotosConfig     `yaml:"photos"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type APIConfig struct {
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig         `yaml:"cors"`
}

type APIHTTPConfig struct {
	Port                  int `yaml:"port"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	MaxBodyBytes          int `yaml:"max_body_bytes"`
}

func (c APIHTTPConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// TrustedProxies lists peer IPs or CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `yaml:"trusted_proxies"`
	MaxClients     int      `yaml:"max_clients"`
	IdleSeconds    int      `yaml:"idle_seconds"`
}

type CORSConfig struct {
	AllowOrigin string `yaml:"allow_origin"`
}

type CRMConfig struct {
	APIBase          string `yaml:"api_base"`
	TokenURL         string `yaml:"token_url"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	TokenSkewSeconds *int   `yaml:"token_skew_seconds"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	ReadRetries      int    `yaml:"read_retries"`
}

// TokenSkew defaults to 90s when unset or negative; 0 is honoured.
func (c CRMConfig) TokenSkew() time.Duration {
	if c.TokenSkewSeconds == nil || *c.TokenSkewSeconds < 0 {
		return defaultTokenSkewSeconds * time.Second
	}
	return time.Duration(*c.TokenSkewSeconds) * time.Second
}

func (c CRMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type PartnerConfig struct {
	WebhookSecret string                  `yaml:"webhook_secret"`
	ClientID      string                  `yaml:"client_id"`
	ClientSecret  string                  `yaml:"client_secret"`
	AuthURL       string                  `yaml:"auth_url"`
	TokenURL      string                  `yaml:"token_url"`
	Scopes        []string                `yaml:"scopes"`
	Environments  map[string]PartnerOAuth `yaml:"environments"`
}

// PartnerOAuth overrides credentials for one partner environment
// (production, staging).
type PartnerOAuth struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
	RedirectURI  string `yaml:"redirect_uri"`
}

type StripeConfig struct {
	Enabled        bool    `yaml:"enabled"`
	SecretKey      string  `yaml:"secret_key"`
	WebhookSecret  string  `yaml:"webhook_secret"`
	DepositPriceID string  `yaml:"deposit_price_id"`
	DepositAmount  float64 `yaml:"deposit_amount"`
	SuccessURL     string  `yaml:"success_url"`
	CancelURL      string  `yaml:"cancel_url"`
}

type EmailConfig struct {
	SendGridAPIKey string   `yaml:"sendgrid_api_key"`
	Host           string   `yaml:"host"`
	From           string   `yaml:"from"`
	FromName       string   `yaml:"from_name"`
	To             []string `yaml:"to"`
}

type ScheduleConfig struct {
	Timezone                   string `yaml:"timezone"`
	WorkdayStartHour           int    `yaml:"workday_start_hour"`
	WorkdayEndHour             int    `yaml:"workday_end_hour"`
	DefaultDurationMinutes     int    `yaml:"default_duration_minutes"`
	PlaceholderDurationMinutes int    `yaml:"placeholder_duration_minutes"`
}

// Location resolves the business time zone, falling back to UTC.
func (c ScheduleConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type BookingConfig struct {
	ReferralSources     []string `yaml:"referral_sources"`
	FallbackSource      string   `yaml:"fallback_source"`
	IdempotencyTTLHours int      `yaml:"idempotency_ttl_hours"`
	PendingTTLHours     int      `yaml:"pending_ttl_hours"`
	ReminderLimitHours  int      `yaml:"reminder_limit_hours"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type WorkerConfig struct {
	MaxRetries          int     `yaml:"max_retries"`
	InitialDelaySeconds int     `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     int     `yaml:"max_delay_seconds"`
	BackoffFactor       float64 `yaml:"backoff_factor"`
	PollSeconds         int     `yaml:"poll_seconds"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type TelegramConfig struct {
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
	Debug    bool    `yaml:"debug"`
}

type GoogleConfig struct {
	CredentialsFile             string `yaml:"credentials_file"`
	ReconciliationSpreadsheetID string `yaml:"reconciliation_spreadsheet_id"`
	ReconciliationSheet         string `yaml:"reconciliation_sheet"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

// PhotosConfig holds Cloudinary credentials for site photo uploads.
type PhotosConfig struct {
	CloudName string `yaml:"cloud_name"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Folder    string `yaml:"folder"`
	MaxPhotos int    `yaml:"max_photos"`
}

func (c PhotosConfig) Enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

func Load(configPath string) (*Config, error) {
	// .env is optional; variables may come from the environment directly.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate reports every missing required setting in one error wrapping
// domain.ErrConfig.
func (c *Config) Validate() error {
	var missing []string
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	require("crm.client_id", c.CRM.ClientID)
	require("crm.client_secret", c.CRM.ClientSecret)
	require("partner.webhook_secret", c.Partner.WebhookSecret)
	require("partner.client_id", c.Partner.ClientID)
	require("partner.client_secret", c.Partner.ClientSecret)
	require("email.sendgrid_api_key", c.Email.SendGridAPIKey)
	require("database.path", c.Database.Path)
	if c.Stripe.Enabled {
		require("stripe.secret_key", c.Stripe.SecretKey)
		require("stripe.webhook_secret", c.Stripe.WebhookSecret)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required settings: %s", domain.ErrConfig, strings.Join(missing, ", "))
	}

	s := c.Schedule
	if s.WorkdayStartHour < 0 || s.WorkdayEndHour > 24 || s.WorkdayStartHour >= s.WorkdayEndHour {
		return fmt.Errorf("%w: schedule workday hours %d-%d are invalid", domain.ErrConfig, s.WorkdayStartHour, s.WorkdayEndHour)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("%w: schedule.timezone: %v", domain.ErrConfig, err)
		}
	}
	if c.Booking.FallbackSource != "" && !containsFold(c.Booking.ReferralSources, c.Booking.FallbackSource) {
		return fmt.Errorf("%w: booking.fallback_source %q is not in booking.referral_sources", domain.ErrConfig, c.Booking.FallbackSource)
	}

	return nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// DefaultReferralSources is the CRM's accepted referral vocabulary.
var DefaultReferralSources = []string{
	"Thumbtack", "Google", "Website", "Referral", "Facebook", "Yelp", "Nextdoor", "Repeat Customer", "Other",
}

const (
	defaultCRMAPIBase  = "https://api.servicefusion.com/v1"
	defaultCRMTokenURL = "https://api.servicefusion.com/oauth/access_token"

	defaultTokenSkewSeconds = 90
)

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "intake"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.HTTP.RequestTimeoutSeconds == 0 {
		c.API.HTTP.RequestTimeoutSeconds = 30
	}
	// Inline base64 photos dominate request size.
	if c.API.HTTP.MaxBodyBytes == 0 {
		c.API.HTTP.MaxBodyBytes = 12 << 20
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.CORS.AllowOrigin == "" {
		c.API.CORS.AllowOrigin = "*"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.CRM.APIBase == "" {
		c.CRM.APIBase = defaultCRMAPIBase
	}
	if c.CRM.TokenURL == "" {
		c.CRM.TokenURL = defaultCRMTokenURL
	}
	if c.CRM.TokenSkewSeconds == nil || *c.CRM.TokenSkewSeconds < 0 {
		skew := defaultTokenSkewSeconds
		c.CRM.TokenSkewSeconds = &skew
	}
	if c.CRM.TimeoutSeconds == 0 {
		c.CRM.TimeoutSeconds = 15
	}

	if c.Email.Host == "" {
		c.Email.Host = "https://api.sendgrid.com"
	}

	if c.Schedule.WorkdayStartHour == 0 && c.Schedule.WorkdayEndHour == 0 {
		c.Schedule.WorkdayStartHour = 8
		c.Schedule.WorkdayEndHour = 17
	}
	if c.Schedule.DefaultDurationMinutes == 0 {
		c.Schedule.DefaultDurationMinutes = 120
	}
	if c.Schedule.PlaceholderDurationMinutes == 0 {
		c.Schedule.PlaceholderDurationMinutes = 120
	}

	if len(c.Booking.ReferralSources) == 0 {
		c.Booking.ReferralSources = append([]string(nil), DefaultReferralSources...)
	}
	if c.Booking.FallbackSource == "" {
		c.Booking.FallbackSource = "Other"
	}
	if c.Booking.IdempotencyTTLHours == 0 {
		c.Booking.IdempotencyTTLHours = 72
	}
	if c.Booking.PendingTTLHours == 0 {
		c.Booking.PendingTTLHours = 7 * 24
	}
	if c.Booking.ReminderLimitHours == 0 {
		c.Booking.ReminderLimitHours = 24
	}

	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 5
	}
	if c.Worker.InitialDelaySeconds == 0 {
		c.Worker.InitialDelaySeconds = 2
	}
	if c.Worker.MaxDelaySeconds == 0 {
		c.Worker.MaxDelaySeconds = 60
	}
	if c.Worker.BackoffFactor == 0 {
		c.Worker.BackoffFactor = 2
	}
	if c.Worker.PollSeconds == 0 {
		c.Worker.PollSeconds = 5
	}

	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	if c.Photos.Folder == "" {
		c.Photos.Folder = "ev-charger/photos"
	}
	if c.Photos.MaxPhotos == 0 {
		c.Photos.MaxPhotos = 4
	}
	if c.Google.ReconciliationSheet == "" {
		c.Google.ReconciliationSheet = "Reconciliation"
	}
}
