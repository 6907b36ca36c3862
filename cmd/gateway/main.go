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

	"github.com/altiplano-labs/despacho/internal/api"
	"github.com/altiplano-labs/despacho/internal/channel"
	"github.com/altiplano-labs/despacho/internal/circuitbreaker"
	"github.com/altiplano-labs/despacho/internal/config"
	"github.com/altiplano-labs/despacho/internal/db"
	"github.com/altiplano-labs/despacho/internal/dispatch"
	"github.com/altiplano-labs/despacho/internal/metrics"
	"github.com/altiplano-labs/despacho/internal/observ"
	"github.com/altiplano-labs/despacho/internal/redis"
	"github.com/altiplano-labs/despacho/internal/sqs"
	"github.com/altiplano-labs/despacho/internal/worker"
)

// dispatchQueue satisfies worker.Queue by pairing the SQS consumer
// (receive/delete) with the producer (delayed re-enqueue for retries).
type dispatchQueue struct {
	*sqs.Consumer
	*sqs.Producer
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting despacho gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis only backs the API boundary; the engine runs without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		defer redisClient.Close()
	}

	if cfg.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required")
	}

	sqsCfg := sqs.Config{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSQueueURL,
	}

	producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create sqs producer: %w", err)
	}

	consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create sqs consumer: %w", err)
	}

	adapters, chatSession := buildAdapters(ctx, cfg, logger)
	router := channel.NewRouter(logger, adapters...)

	logger.Info("channel adapters configured",
		zap.Bool("sms", router.Supports(db.ChannelSMS)),
		zap.Bool("email", router.Supports(db.ChannelEmail)),
		zap.Bool("chat", router.Supports(db.ChannelChat)),
	)

	service := dispatch.NewService(repo, producer, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if chatSession != nil {
		go chatSession.Start(workerCtx, cfg.ChatPollInterval)
	}

	pool := worker.NewPool(repo, dispatchQueue{consumer, producer}, router, cfg.WorkerConcurrency, cfg.MaxAttempts, logger)
	pool.Start(workerCtx)

	sweeper := worker.NewSweeper(repo, producer, cfg.SweepInterval, cfg.SweepStaleAfter, logger)
	go sweeper.Run(workerCtx)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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

	handler := api.NewHandler(logger, service, repo, idempotencyService)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.CallerKeyFunc))

		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)

		r.Post("/campaigns/{id}/launch", handler.LaunchCampaign)
		r.Post("/campaigns/{id}/conversions", handler.RecordConversion)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop the workers after the API so in-flight jobs drain.
		workerCancel()
		pool.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildAdapters constructs one circuit-breaker-wrapped adapter per
// configured channel. A channel whose provider cannot be initialized is
// left out of the router; sends through it fail without retries.
func buildAdapters(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]channel.Adapter, *channel.ChatSession) {
	var adapters []channel.Adapter

	smsAdapter, err := channel.NewSMSAdapter(ctx, channel.SMSConfig{
		Region:             cfg.SNSRegion,
		DefaultCountryCode: cfg.DefaultCountryCode,
	}, logger)
	if err != nil {
		logger.Warn("sms channel disabled", zap.Error(err))
	} else {
		adapters = append(adapters, circuitbreaker.Protect(smsAdapter,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger))
	}

	emailAdapter, err := channel.NewEmailAdapter(ctx, channel.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("email channel disabled", zap.Error(err))
	} else {
		adapters = append(adapters, circuitbreaker.Protect(emailAdapter,
			circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger))
	}

	var chatSession *channel.ChatSession
	if cfg.ChatGatewayURL != "" {
		chatSession = channel.NewChatSession(channel.ChatConfig{
			GatewayURL:   cfg.ChatGatewayURL,
			SessionToken: cfg.ChatSessionToken,
			PollInterval: cfg.ChatPollInterval,
		}, logger)

		chatAdapter := channel.NewChatAdapter(chatSession, cfg.DefaultCountryCode, logger)
		adapters = append(adapters, circuitbreaker.Protect(chatAdapter,
			circuitbreaker.New(circuitbreaker.DefaultConfig("chat"), logger), logger))
	} else {
		logger.Warn("chat channel disabled, no gateway configured")
	}

	return adapters, chatSession
}
