package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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

	// Redis (idempotency + rate limiting; optional)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Dispatch queue
	SQSRegion   string
	SQSQueueURL string

	// AWS channel providers
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Chat gateway session
	ChatGatewayURL     string
	ChatSessionToken   string
	ChatPollInterval   time.Duration
	DefaultCountryCode string

	// Worker pool
	WorkerConcurrency int
	MaxAttempts       int

	// Reconciliation sweep for records stuck in QUEUED
	SweepInterval   time.Duration
	SweepStaleAfter time.Duration

	// Rate limiting
	RateLimit       int
	RateLimitWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "despacho",
		DBPassword: "",
		DBName:     "despacho",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@despacho.local",

		ChatPollInterval:   10 * time.Second,
		DefaultCountryCode: "591",

		WorkerConcurrency: 4,
		MaxAttempts:       3,

		SweepInterval:   1 * time.Minute,
		SweepStaleAfter: 5 * time.Minute,

		RateLimit:       100,
		RateLimitWindow: 1 * time.Minute,
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

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("CHAT_GATEWAY_URL"); url != "" {
		cfg.ChatGatewayURL = url
	}

	if token := os.Getenv("CHAT_SESSION_TOKEN"); token != "" {
		cfg.ChatSessionToken = token
	}

	if interval := os.Getenv("CHAT_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAT_POLL_INTERVAL: %w", err)
		}
		cfg.ChatPollInterval = d
	}

	if cc := os.Getenv("DEFAULT_COUNTRY_CODE"); cc != "" {
		cfg.DefaultCountryCode = cc
	}

	if n := os.Getenv("WORKER_CONCURRENCY"); n != "" {
		c, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = c
	}

	if n := os.Getenv("MAX_ATTEMPTS"); n != "" {
		a, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = a
	}

	if interval := os.Getenv("SWEEP_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}

	if stale := os.Getenv("SWEEP_STALE_AFTER"); stale != "" {
		d, err := time.ParseDuration(stale)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_STALE_AFTER: %w", err)
		}
		cfg.SweepStaleAfter = d
	}

	if n := os.Getenv("RATE_LIMIT"); n != "" {
		l, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = l
	}

	return cfg, nil
}
