// cmd/notification-manager/main.go
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"notification-workers/internal/api"
	"notification-workers/internal/audit"
	"notification-workers/internal/broker"
	"notification-workers/internal/channel"
	awsclients "notification-workers/internal/common/aws"
	"notification-workers/internal/common/config"
	"notification-workers/internal/common/database"
	"notification-workers/internal/common/logger"
	"notification-workers/internal/common/observability"
	"notification-workers/internal/enqueuer"
	"notification-workers/internal/lock"
	"notification-workers/internal/models"
	"notification-workers/internal/processor"
	"notification-workers/internal/recovery"
	"notification-workers/internal/retry"
	"notification-workers/internal/store"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	})

	zapLog.Info("Starting notification manager...", zap.String("environment", cfg.App.Environment))

	obs, err := observability.New(cfg.App.Name, observability.Options{
		TracingEnabled: cfg.Tracing.Enabled,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		zapLog.Warn("observability partially initialized", zap.Error(err))
	}

	ctx := context.Background()

	// --- PostgreSQL ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	notificationStore := store.NewPostgresStore(pg.DB, log)
	if err := notificationStore.EnsureSchema(ctx); err != nil {
		zapLog.Fatal("schema bootstrap failed", zap.Error(err))
	}

	// --- Redis ---
	redisClient := database.NewRedis(cfg.Database.Redis)
	err = retryWithBackoff(func() error {
		return redisClient.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redisClient.Close()
	zapLog.Info("Redis connected successfully")

	// --- RabbitMQ ---
	brokerClient, err := broker.Dial(ctx, &broker.ClientConfig{
		URL: cfg.RabbitMQ.URL(),
		Topology: broker.Topology{
			Queue:            cfg.RabbitMQ.Queue,
			DeadLetterQueue:  cfg.RabbitMQ.DeadLetterQueue,
			RetryQueuePrefix: cfg.RabbitMQ.RetryQueuePrefix,
		},
		PublishTimeout: config.GetDuration(cfg.RabbitMQ.PublishTimeout),
		RetryConfig: &broker.RetryConfig{
			MaxRetries: cfg.RabbitMQ.ConnectRetries,
			BaseDelay:  config.GetDuration(cfg.RabbitMQ.ConnectBackoff),
			MaxDelay:   30 * time.Second,
		},
	}, log)
	if err != nil {
		zapLog.Fatal("rabbitmq failed after retries", zap.Error(err))
	}
	zapLog.Info("RabbitMQ connected successfully")

	// --- Audit journal ---
	var journal audit.Journal = audit.NopJournal{}
	if cfg.Audit.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		journal = audit.NewElasticsearchJournal(esClient.Client, cfg.Audit.Index, log)
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Channels ---
	registry, inbox, err := buildRegistry(ctx, cfg, redisClient)
	if err != nil {
		zapLog.Fatal("channel setup failed", zap.Error(err))
	}
	zapLog.Info("Channels registered", zap.Any("types", registry.Types()))

	// --- Pipeline ---
	scheduler := retry.NewScheduler(notificationStore, brokerClient, retry.Backoff{
		Base: cfg.Retry.Base,
		Unit: config.GetDuration(cfg.Retry.Unit),
	}, log)
	locker := lock.NewRedisLocker(redisClient.Client, "", config.GetDuration(cfg.Worker.LockTTL))
	handler := processor.NewHandler(notificationStore, locker, registry, scheduler, journal, processor.Config{
		SendTimeout:   config.GetDuration(cfg.Worker.SendTimeout),
		SettleTimeout: config.GetDuration(cfg.Worker.SettleTimeout),
	}, log)

	consumerCh, err := brokerClient.ConsumerChannel()
	if err != nil {
		zapLog.Fatal("consumer channel failed", zap.Error(err))
	}
	worker := broker.NewWorker(consumerCh, broker.WorkerConfig{
		Queue:         cfg.RabbitMQ.Queue,
		ConsumerTag:   fmt.Sprintf("%s-%d", cfg.App.Name, os.Getpid()),
		MaxJobsActive: cfg.Worker.Concurrency,
		JobTimeout:    config.GetDuration(cfg.Worker.JobTimeout),
	}, handler, obs, log)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(runCtx); err != nil {
			zapLog.Error("worker exited", zap.Error(err))
			if stderrors.Is(err, broker.ErrDeliveriesClosed) {
				stop()
			}
		}
	}()

	if cfg.Recovery.Enabled {
		sweeper := recovery.NewSweeper(notificationStore, brokerClient, recovery.Config{
			Interval:   config.GetDuration(cfg.Recovery.Interval),
			StaleAfter: config.GetDuration(cfg.Recovery.StaleAfter),
			BatchSize:  cfg.Recovery.BatchSize,
		}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(runCtx)
		}()
	}

	// --- HTTP API ---
	deps := api.Deps{
		Creator: enqueuer.New(notificationStore, brokerClient, log),
		Reader:  notificationStore,
		Health: map[string]api.HealthCheck{
			"postgres": pg.Ping,
			"redis":    redisClient.Ping,
			"rabbitmq": brokerClient.HealthCheck,
		},
	}
	if inbox != nil {
		deps.Inbox = inbox
	}
	apiServer := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewServer(deps, log).Handler(),
		ReadTimeout:  config.GetDuration(cfg.HTTP.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.HTTP.WriteTimeout),
	}
	go func() {
		zapLog.Info("API server listening", zap.String("address", cfg.HTTP.Address))
		if err := apiServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			zapLog.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	// --- Metrics Server ---
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			zapLog.Info("Metrics server listening", zap.String("address", cfg.Metrics.Address))
			if err := metricsServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				zapLog.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		zapLog.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-runCtx.Done():
		zapLog.Warn("Pipeline stopped unexpectedly, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.HTTP.ShutdownTimeout))
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping API server", zap.Error(err))
	}

	// Stop consuming and wait for in-flight jobs before closing the broker.
	stop()
	wg.Wait()

	if err := consumerCh.Close(); err != nil {
		zapLog.Warn("Error closing consumer channel", zap.Error(err))
	}
	if err := brokerClient.Close(); err != nil {
		zapLog.Error("Error closing broker client", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("Error flushing telemetry", zap.Error(err))
	}

	zapLog.Info("Notification manager stopped")
}

// buildRegistry registers a provider for every enabled channel. The inbox
// provider is returned separately so the API can read from it.
func buildRegistry(ctx context.Context, cfg *config.Config, redisClient *database.RedisClient) (*channel.Registry, *channel.InboxProvider, error) {
	registry := channel.NewRegistry()

	if cfg.Channels.Email.Enabled || cfg.Channels.SMS.Enabled {
		clients, err := awsclients.NewClients(ctx, cfg.AWS.Region)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Channels.Email.Enabled {
			registry.Register(models.NotificationTypeEmail,
				channel.NewEmailProvider(clients.SES, cfg.Channels.Email.FromEmail), channel.EmailAddress)
		}
		if cfg.Channels.SMS.Enabled {
			registry.Register(models.NotificationTypeSMS,
				channel.NewSMSProvider(clients.SNS, cfg.Channels.SMS.SenderID), channel.PhoneNumber)
		}
	}

	var inbox *channel.InboxProvider
	if cfg.Channels.InApp.Enabled {
		inbox = channel.NewInboxProvider(redisClient.Client, cfg.Channels.InApp.KeyPrefix, cfg.Channels.InApp.MaxItems)
		registry.Register(models.NotificationTypeInApp, inbox, channel.UserID)
	}

	return registry, inbox, nil
}
