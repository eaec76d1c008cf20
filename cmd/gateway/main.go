package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/api"
	"github.com/moccet/moccet-health-sub016/internal/circuitbreaker"
	"github.com/moccet/moccet-health-sub016/internal/config"
	"github.com/moccet/moccet-health-sub016/internal/credentials"
	"github.com/moccet/moccet-health-sub016/internal/db"
	"github.com/moccet/moccet-health-sub016/internal/ingest"
	"github.com/moccet/moccet-health-sub016/internal/notify"
	"github.com/moccet/moccet-health-sub016/internal/observ"
	"github.com/moccet/moccet-health-sub016/internal/provider"
	redisclient "github.com/moccet/moccet-health-sub016/internal/redis"
	syncsvc "github.com/moccet/moccet-health-sub016/internal/sync"
)

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

	logger.Info("starting sync core",
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

	// Redis backs the sync non-overlap lease; without it two instances
	// could advance the same cursor concurrently, so it is mandatory.
	redisC, err := redisclient.New(ctx, redisclient.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisC.Close()

	locks := redisclient.NewLockService(redisC, logger)
	rateLimiter := redisclient.NewRateLimiter(redisC, logger, redisclient.RateLimitConfig{
		Limit:  100,
		Window: 1 * time.Minute,
	})

	codec, err := credentials.NewCodec(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("token encryption key: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}

	registry := provider.NewRegistry()
	registry.Register(provider.NewOuraAdapter(cfg.Providers["oura"], httpClient, logger))
	registry.Register(provider.NewWhoopAdapter(cfg.Providers["whoop"], httpClient, logger))
	registry.Register(provider.NewStravaAdapter(cfg.Providers["strava"], httpClient, logger))
	registry.Register(provider.NewDexcomAdapter(cfg.Providers["dexcom"], httpClient, logger))
	registry.Register(provider.NewGmailAdapter(cfg.Providers["gmail"], httpClient, logger))
	registry.Register(provider.NewOutlookAdapter(cfg.Providers["outlook"], httpClient, logger))
	registry.Register(provider.NewSlackAdapter(cfg.Providers["slack"], httpClient, logger))
	registry.Register(provider.NewLinearAdapter(cfg.Providers["linear"], httpClient, logger))

	oauthClient := credentials.NewOAuthClient(httpClient, logger)
	store := credentials.NewStore(repo, codec, oauthClient, registry, cfg, logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}

	var pushers []notify.Pusher
	if cfg.SNSTopicARN != "" {
		pushers = append(pushers, notify.NewSNSPusher(sns.NewFromConfig(awsCfg), cfg.SNSTopicARN, logger))
	}
	if cfg.SESFromEmail != "" {
		pushers = append(pushers, notify.NewSESPusher(ses.NewFromConfig(awsCfg), repo, cfg.SESFromEmail, logger))
	}
	var pusher notify.Pusher
	switch len(pushers) {
	case 0:
		logger.Warn("no notification channel configured, logging only")
		pusher = notify.NewLogPusher(logger)
	case 1:
		pusher = pushers[0]
	default:
		pusher = notify.NewMultiPusher(pushers...)
	}

	dispatcher := notify.NewDispatcher(repo, pusher, logger)

	breakers := circuitbreaker.NewRegistry(nil, logger)
	orchestrator := syncsvc.NewOrchestrator(registry, store, repo, locks, breakers, dispatcher, cfg, logger)

	var queue ingest.Queue
	if cfg.SQSQueueURL != "" {
		queue = ingest.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, logger)
		logger.Info("using sqs work queue", zap.String("queue_url", cfg.SQSQueueURL))
	} else {
		queue = ingest.NewChannelQueue(cfg.QueueSize)
	}

	ingestor := ingest.NewIngestor(registry, repo, store, queue, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pool := ingest.NewWorkerPool(queue, orchestrator, repo, cfg.QueueWorkers, cfg.SyncBudget, logger)
	pool.Start(workerCtx)

	scheduler := syncsvc.NewScheduler(orchestrator, repo, cfg.SchedulerTick, logger)
	go scheduler.Run(workerCtx)

	handler := api.NewHandler(orchestrator, store, repo, breakers, ingestor, rateLimiter, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.Routes(),
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
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop accepting work, then drain the pool.
		workerCancel()
		queue.Close()
		pool.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}
