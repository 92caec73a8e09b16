package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"intake/internal/api"
	"intake/internal/availability"
	"intake/internal/booking"
	"intake/internal/config"
	"intake/internal/crm"
	"intake/internal/database"
	"intake/internal/domain"
	"intake/internal/events"
	"intake/internal/google"
	"intake/internal/kafka"
	"intake/internal/logging"
	"intake/internal/metrics"
	"intake/internal/notify"
	"intake/internal/partner"
	"intake/internal/photos"
	"intake/internal/repository"
	"intake/internal/retry"
	"intake/internal/scheduling"
	"intake/internal/validation"
	"intake/internal/webhook"
	"intake/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	state := initState(redisClient, &logger)

	labels := loadServiceLabels(&logger)
	loc := cfg.Schedule.Location()
	validator := validation.New()

	crmHTTP := &http.Client{Timeout: cfg.CRM.Timeout()}
	tokens := crm.NewTokenCache(crm.TokenConfig{
		TokenURL:     cfg.CRM.TokenURL,
		ClientID:     cfg.CRM.ClientID,
		ClientSecret: cfg.CRM.ClientSecret,
		Skew:         cfg.CRM.TokenSkew(),
	}, crm.WithHTTPClient(crmHTTP), crm.WithTokenLogger(&logger))
	crmClient := crm.NewClient(cfg.CRM.APIBase, tokens, crm.WithClientHTTP(crmHTTP), crm.WithClientLogger(&logger))

	bus := events.NewEventBus()
	if cfg.Kafka.Enabled() {
		forwarder := kafka.NewForwarder(kafka.NewWriter(cfg.Kafka), 0, &logger)
		forwarder.Attach(bus)
		go forwarder.Run(ctx)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka forwarding enabled")
	}

	pipeline := booking.NewPipeline(crmClient, booking.Config{
		Referrals:   booking.NewReferralSources(cfg.Booking.ReferralSources, cfg.Booking.FallbackSource),
		Location:    loc,
		ProgressTTL: time.Duration(cfg.Booking.IdempotencyTTLHours) * time.Hour,
	}, booking.WithProgressStore(state), booking.WithEvents(bus), booking.WithLogger(&logger))

	outbox := worker.NewOutboxWorker(db, retry.Policy{
		MaxRetries:    cfg.Worker.MaxRetries,
		InitialDelay:  time.Duration(cfg.Worker.InitialDelaySeconds) * time.Second,
		MaxDelay:      time.Duration(cfg.Worker.MaxDelaySeconds) * time.Second,
		BackoffFactor: cfg.Worker.BackoffFactor,
	},
		worker.WithRedis(redisClient),
		worker.WithPollInterval(time.Duration(cfg.Worker.PollSeconds)*time.Second),
		worker.WithLogger(&logger),
	)
	handlers := initNotifyHandlers(ctx, cfg, labels, &logger)
	handlers.Register(outbox)
	followUps := booking.NewFollowUps(outbox, &logger)

	availabilityService := scheduling.NewService(crmClient, availability.Workday{
		StartHour: cfg.Schedule.WorkdayStartHour,
		EndHour:   cfg.Schedule.WorkdayEndHour,
		Location:  loc,
	}, retry.Policy{
		MaxRetries:    cfg.CRM.ReadRetries,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2,
	}, &logger)

	thumbtack := webhook.NewThumbtack(cfg.Partner.WebhookSecret, webhook.LeadMapper{
		Location:            loc,
		WorkdayStartHour:    cfg.Schedule.WorkdayStartHour,
		PlaceholderDuration: time.Duration(cfg.Schedule.PlaceholderDurationMinutes) * time.Minute,
	}, validator, pipeline, followUps, &logger)

	deps := api.Deps{
		Availability: availabilityService,
		Pipeline:     pipeline,
		Validator:    validator,
		FollowUps:    followUps,
		Reminders:    state,
		Thumbtack:    thumbtack,
		Partner:      partner.New(cfg.Partner, state, partner.WithLogger(&logger)),
		Tokens:       tokens,
		Ready:        readinessChecks(db, redisClient),
	}

	photoStore := initPhotoStore(cfg, &logger)
	if photoStore != nil {
		deps.Photos = photoStore
	}
	if cfg.Stripe.Enabled {
		pendingTTL := time.Duration(cfg.Booking.PendingTTLHours) * time.Hour
		opts := []webhook.CheckoutOption{webhook.WithFollowUps(followUps), webhook.WithCheckoutLogger(&logger)}
		if photoStore != nil {
			opts = append(opts, webhook.WithPhotoSaver(photoStore))
		}
		deps.Checkout = webhook.NewCheckout(webhook.NewSessionClient(cfg.Stripe.SecretKey), state, validator, cfg.Stripe, pendingTTL, opts...)
		deps.Stripe = webhook.NewStripe(cfg.Stripe.WebhookSecret, state, validator, pipeline, followUps, &logger)
	} else {
		logger.Warn().Msg("stripe disabled, checkout and deposit webhook answer 503")
	}

	httpServer := api.NewHTTPServer(cfg, deps, &logger)

	go outbox.Start(ctx)
	go database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger).Start(ctx)
	startMetrics(ctx, cfg, &logger)

	return startServer(ctx, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

// loadServiceLabels reads display names for service types. A missing
// catalog falls back to the built in labels.
func loadServiceLabels(logger *zerolog.Logger) notify.ServiceLabels {
	catalogPath := os.Getenv("CATALOG_PATH")
	if catalogPath == "" {
		catalogPath = "configs/catalog.yaml"
	}
	data, err := os.ReadFile(catalogPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn().Err(err).Str("catalog_path", catalogPath).Msg("read catalog")
		}
		return notify.NewServiceLabels(nil)
	}

	var catalog struct {
		Services []struct {
			Type  string `yaml:"type"`
			Label string `yaml:"label"`
		} `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		logger.Warn().Err(err).Str("catalog_path", catalogPath).Msg("parse catalog")
		return notify.NewServiceLabels(nil)
	}

	overrides := make(map[string]string, len(catalog.Services))
	for _, s := range catalog.Services {
		overrides[s.Type] = s.Label
	}
	return notify.NewServiceLabels(overrides)
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initState(redisClient *redis.Client, logger *zerolog.Logger) domain.StateStore {
	memory := repository.NewMemoryStateRepository()
	if redisClient == nil {
		logger.Warn().Msg("state kept in memory; idempotency and pending bookings do not survive restarts")
		return memory
	}
	return repository.NewFailoverStateRepository(repository.NewRedisStateRepository(redisClient), memory, logger)
}

func initNotifyHandlers(ctx context.Context, cfg *config.Config, labels notify.ServiceLabels, logger *zerolog.Logger) *notify.Handlers {
	h := &notify.Handlers{
		Sender:    notify.NewSendGridSender(cfg.Email),
		Ops:       cfg.Email.To,
		Labels:    labels,
		Signature: cfg.Email.FromName,
		Logger:    logger,
	}

	if cfg.Telegram.BotToken != "" {
		bot, err := notify.NewTelegramBot(cfg.Telegram.BotToken, cfg.Telegram.Debug)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram init failed, ops alerts disabled")
		} else {
			h.Alerter = notify.NewTelegramAlerter(bot, cfg.Telegram.ChatIDs)
		}
	}

	if cfg.Google.CredentialsFile != "" && cfg.Google.ReconciliationSpreadsheetID != "" {
		sheet, err := google.NewReconciliationLog(ctx, cfg.Google.CredentialsFile, cfg.Google.ReconciliationSpreadsheetID, cfg.Google.ReconciliationSheet)
		if err != nil {
			logger.Warn().Err(err).Msg("google sheets init failed, reconciliation rows disabled")
		} else {
			h.Sheet = sheet
			logger.Info().Msg("google sheets connected")
		}
	}
	return h
}

func initPhotoStore(cfg *config.Config, logger *zerolog.Logger) *photos.Store {
	if !cfg.Photos.Enabled() {
		logger.Warn().Msg("cloudinary not configured, photo uploads disabled")
		return nil
	}
	store, err := photos.NewCloudinaryStore(cfg.Photos.CloudName, cfg.Photos.APIKey, cfg.Photos.APISecret, cfg.Photos.Folder, cfg.Photos.MaxPhotos)
	if err != nil {
		logger.Warn().Err(err).Msg("cloudinary init failed, photo uploads disabled")
		return nil
	}
	return store
}

func readinessChecks(db *database.DB, redisClient *redis.Client) map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{
		"sqlite": func(ctx context.Context) error { return db.PingContext(ctx) },
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	return checks
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServer(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Str("env", cfg.App.Environment).Msg("intake API started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("intake API stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
