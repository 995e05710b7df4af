package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/api"
	"github.com/scaile-gtm/courier/internal/attach"
	"github.com/scaile-gtm/courier/internal/config"
	"github.com/scaile-gtm/courier/internal/db"
	"github.com/scaile-gtm/courier/internal/mail"
	"github.com/scaile-gtm/courier/internal/metrics"
	"github.com/scaile-gtm/courier/internal/notify"
	"github.com/scaile-gtm/courier/internal/observ"
	"github.com/scaile-gtm/courier/internal/ratelimit"
	"github.com/scaile-gtm/courier/internal/redis"
	"github.com/scaile-gtm/courier/internal/template"
	"github.com/scaile-gtm/courier/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "courier")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("email_provider", cfg.EmailProvider),
	)

	if enabled, err := observ.InitSentry(cfg.SentryDSN, cfg.Env, logger); err != nil {
		logger.Warn("sentry init failed, continuing without it", zap.Error(err))
	} else if enabled {
		defer observ.FlushSentry()
	}

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs the edge rate limit and dispatch idempotency. Both
	// degrade gracefully when it is unreachable.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, edge rate limiting and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotency *redis.Idempotency
	var edgeLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotency = redis.NewIdempotency(redisClient, logger)
		edgeLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Email provider selection
	var provider mail.Provider
	switch cfg.EmailProvider {
	case "resend":
		if cfg.ResendAPIKey == "" {
			return fmt.Errorf("RESEND_API_KEY is required for the resend provider")
		}
		provider = mail.NewResendProvider(mail.ResendConfig{
			APIKey:  cfg.ResendAPIKey,
			BaseURL: cfg.ResendBaseURL,
			Timeout: time.Duration(cfg.SendTimeout) * time.Second,
		}, logger)
	case "ses":
		provider, err = mail.NewSESProvider(ctx, mail.SESConfig{Region: cfg.AWSRegion}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES provider: %w", err)
		}
	case "log":
		provider = mail.NewLogProvider(logger)
	default:
		return fmt.Errorf("unknown EMAIL_PROVIDER %q (want resend, ses, or log)", cfg.EmailProvider)
	}

	breaker := mail.NewBreaker(mail.BreakerConfig{
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}, logger)

	deliveryClient := mail.NewClient(provider, breaker, mail.ClientConfig{
		MaxAttempts: cfg.MaxSendAttempts,
		BaseDelay:   5 * time.Second,
	}, logger)

	// Attachment routing: oversized result files go to S3 behind a
	// presigned link. The log provider pairs with a link-less local setup,
	// so S3 errors there only disable attachments rather than aborting.
	var uploader attach.Uploader
	s3Uploader, err := attach.NewS3Uploader(ctx, attach.S3Config{
		Region: cfg.AWSRegion,
		Bucket: cfg.StorageBucket,
	}, logger)
	if err != nil {
		if cfg.EmailProvider != "log" {
			return fmt.Errorf("failed to create S3 uploader: %w", err)
		}
		logger.Warn("s3 unavailable, large attachments will fail", zap.Error(err))
	} else {
		uploader = s3Uploader
	}
	router := attach.NewRouter(uploader, cfg.AttachmentThresholdBytes, logger)

	renderer, err := template.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	// Per-user dispatch limiter, in-process by design: it bounds how often
	// one user can be emailed, not how often the API can be called.
	notifyLimiter := ratelimit.New(ratelimit.Config{
		Limit:  cfg.NotifyRateLimit,
		Window: time.Duration(cfg.NotifyRateWindow) * time.Second,
	}, logger)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go notifyLimiter.StartSweeper(sweepCtx, 5*time.Minute)

	gate := notify.NewGate(repo, logger)
	dispatcher := notify.NewDispatcher(repo, gate, notifyLimiter, renderer, router, deliveryClient, notify.Config{
		FromEmail:   cfg.FromEmail,
		AppURL:      cfg.AppURL,
		SendTimeout: time.Duration(cfg.SendTimeout*cfg.MaxSendAttempts)*time.Second + time.Duration(cfg.MaxSendAttempts)*5*time.Second,
	}, logger)

	// Inbound provider webhooks
	var webhookHandler *webhook.Handler
	if cfg.WebhookSigningSecret != "" {
		verifier, err := webhook.NewVerifier(cfg.WebhookSigningSecret)
		if err != nil {
			return fmt.Errorf("invalid webhook signing secret: %w", err)
		}
		webhookHandler = webhook.NewHandler(verifier, repo, logger)
	} else {
		logger.Warn("WEBHOOK_SIGNING_SECRET not set, delivery tracking disabled")
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(90 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	var handler *api.Handler
	if idempotency != nil {
		handler = api.NewHandlerWithIdempotency(logger, repo, dispatcher, idempotency)
	} else {
		handler = api.NewHandler(logger, repo, dispatcher)
	}

	r.Route("/v1", func(r chi.Router) {
		// Dispatch POSTs carry user_id in the body, so the user key is
		// often absent; those requests are limited by client IP instead.
		r.Use(api.RateLimitMiddleware(edgeLimiter, logger, api.ChainKeyFuncs(api.UserKeyFunc, api.IPKeyFunc)))

		r.Post("/notifications/job-complete", handler.JobComplete)
		r.Post("/notifications/job-failed", handler.JobFailed)
		r.Post("/notifications/quota-warning", handler.QuotaWarning)
		r.Post("/notifications/quota-exceeded", handler.QuotaExceeded)
		r.Post("/notifications/welcome", handler.Welcome)
		r.Get("/notifications", handler.ListNotifications)

		r.Get("/preferences/{user_id}", handler.GetPreferences)
		r.Put("/preferences/{user_id}", handler.UpdatePreferences)
	})

	if webhookHandler != nil {
		r.Post("/webhooks/email", webhookHandler.ServeHTTP)
	}

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests time to finish, including dispatches
		// mid-retry.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
