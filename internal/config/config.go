package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config (edge rate limiting + idempotency)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Email provider
	EmailProvider   string // "resend" (default), "ses", or "log" for development
	ResendAPIKey    string
	ResendBaseURL   string
	AWSRegion       string
	FromEmail       string
	AppURL          string // base URL for links embedded in emails
	SendTimeout     int    // per-attempt provider call timeout in seconds
	MaxSendAttempts int

	// Webhook verification
	WebhookSigningSecret string // shared secret for inbound provider events

	// Attachment routing
	AttachmentThresholdBytes int64
	StorageBucket            string

	// Per-user notification rate limit (dispatch path)
	NotifyRateLimit  int
	NotifyRateWindow int // seconds

	// Error monitoring
	SentryDSN string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		EmailProvider:   "resend",
		ResendBaseURL:   "https://api.resend.com",
		AWSRegion:       "us-east-1",
		FromEmail:       "SCAILE <hello@g-gpt.com>",
		AppURL:          "https://g-gpt.com",
		SendTimeout:     10,
		MaxSendAttempts: 3,

		AttachmentThresholdBytes: 2 << 20, // 2 MiB
		StorageBucket:            "user-files",

		NotifyRateLimit:  10,
		NotifyRateWindow: 60,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Provider config
	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		cfg.EmailProvider = provider
	}

	if key := os.Getenv("RESEND_API_KEY"); key != "" {
		cfg.ResendAPIKey = key
	}

	if url := os.Getenv("RESEND_BASE_URL"); url != "" {
		cfg.ResendBaseURL = url
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("FROM_EMAIL"); from != "" {
		cfg.FromEmail = from
	}

	if url := os.Getenv("APP_URL"); url != "" {
		cfg.AppURL = url
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = t
	}

	if attempts := os.Getenv("MAX_SEND_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SEND_ATTEMPTS: %w", err)
		}
		cfg.MaxSendAttempts = a
	}

	if secret := os.Getenv("WEBHOOK_SIGNING_SECRET"); secret != "" {
		cfg.WebhookSigningSecret = secret
	}

	if threshold := os.Getenv("ATTACHMENT_THRESHOLD_BYTES"); threshold != "" {
		t, err := strconv.ParseInt(threshold, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ATTACHMENT_THRESHOLD_BYTES: %w", err)
		}
		cfg.AttachmentThresholdBytes = t
	}

	if bucket := os.Getenv("STORAGE_BUCKET"); bucket != "" {
		cfg.StorageBucket = bucket
	}

	if limit := os.Getenv("NOTIFY_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_RATE_LIMIT: %w", err)
		}
		cfg.NotifyRateLimit = l
	}

	if window := os.Getenv("NOTIFY_RATE_WINDOW"); window != "" {
		w, err := strconv.Atoi(window)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_RATE_WINDOW: %w", err)
		}
		cfg.NotifyRateWindow = w
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.SentryDSN = dsn
	}

	return cfg, nil
}
