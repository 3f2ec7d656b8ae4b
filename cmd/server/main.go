package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/api"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/pkg/telemetry"
	"github.com/ignite/campaign-engine/internal/repository"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/sending"
	"github.com/ignite/campaign-engine/internal/tracking"
	"github.com/ignite/campaign-engine/internal/worker"
)

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if err := run(configPath); err != nil {
		logger.Error("server exited", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.RedactPII != nil {
		logger.SetRedactPII(*cfg.Log.RedactPII)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	stores, err := repository.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}

	health := api.NewHealthChecker()
	health.Register("store", stores.Ping)

	redisClient := connectRedis(ctx, cfg.Redis)
	if redisClient != nil {
		health.Register("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}

	// Segmentation
	resolverOpts := []segmentation.ResolverOption{
		segmentation.WithCompileOptions(
			segmentation.WithMaxDepth(cfg.Segmentation.MaxDepth),
			segmentation.WithMaxNodes(cfg.Segmentation.MaxNodes),
		),
	}
	if redisClient != nil {
		resolverOpts = append(resolverOpts, segmentation.WithCountCache(
			segmentation.NewRedisCountCache(redisClient, ""), cfg.Segmentation.PreviewCacheTTL))
	}
	resolver := segmentation.NewResolver(stores.Customers, resolverOpts...)
	segments := segmentation.NewService(stores.Segments, resolver)

	// Dispatch
	sender, err := newSender(ctx, cfg.Vendor)
	if err != nil {
		return err
	}
	tracker := campaign.NewTracker(stores.Campaigns)
	poolOpts := []worker.PoolOption{worker.WithPersonalizer(worker.NewPersonalizer())}
	if cfg.Dispatch.ReceiptBaseURL != "" {
		poolOpts = append(poolOpts, worker.WithConfirmer(worker.NewReceiptClient(
			cfg.Dispatch.ReceiptBaseURL, cfg.Dispatch.ReceiptTimeout, cfg.Dispatch.ReceiptRetries)))
		logger.Info("dispatch confirmations routed through receipt endpoint", "base_url", cfg.Dispatch.ReceiptBaseURL)
	}
	pool := worker.NewDispatchPool(sender, tracker, worker.PoolConfig{
		MaxConcurrency:   cfg.Dispatch.MaxConcurrency,
		RecipientTimeout: cfg.Dispatch.RecipientTimeout,
		LockTTL:          cfg.Dispatch.LockTTL,
	}, poolOpts...)

	orchestrator := campaign.NewOrchestrator(stores.Campaigns, stores.Segments, resolver, pool,
		campaign.WithLocks(distlock.NewFactory(redisClient, stores.DB, cfg.Dispatch.LockTTL)),
		campaign.WithCustomerLookup(stores.Customers),
	)

	// Delivery notifications
	var consumer *tracking.Consumer
	if cfg.Tracking.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Tracking.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		consumer = tracking.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Tracking.SQSQueueURL, tracker)
		consumer.Start(ctx)
		logger.Info("tracking consumer started", "queue_url", cfg.Tracking.SQSQueueURL)
	}

	handlers := api.NewHandlers(segments, orchestrator, tracker, ingest.NewService(stores.Customers), health)
	server := api.NewServer(api.ServerConfig{
		Addr:           cfg.Server.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}, handlers)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", cfg.Server.Addr(),
			"store", stores.Driver,
			"vendor", cfg.Vendor.Type,
			"redis", redisClient != nil)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if consumer != nil {
		consumer.Stop()
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatch pool shutdown; unfinished recipients stay PENDING", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := stores.Close(shutdownCtx); err != nil {
		logger.Warn("close stores", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// connectRedis returns nil when Redis is not configured or unreachable;
// the preview cache and cross-host dispatch locks are then disabled.
func connectRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if cfg.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		logger.Warn("invalid redis url; continuing without redis", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable; continuing without redis", "addr", opts.Addr, "error", err)
		_ = client.Close()
		return nil
	}
	logger.Info("connected to redis", "addr", opts.Addr)
	return client
}

func newSender(ctx context.Context, cfg config.VendorConfig) (sending.Sender, error) {
	switch cfg.Type {
	case config.VendorSES:
		s, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:           cfg.Region,
			AccessKey:        cfg.AccessKey,
			SecretKey:        cfg.SecretKey,
			FromEmail:        cfg.FromEmail,
			FromName:         cfg.FromName,
			Subject:          cfg.Subject,
			ConfigurationSet: cfg.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("create ses sender: %w", err)
		}
		return s, nil
	case config.VendorSimulated:
		return worker.NewSimulatedSender(cfg.Failure(), worker.WithLatency(cfg.MinLatency, cfg.MaxLatency)), nil
	}
	return nil, fmt.Errorf("unknown vendor type %q", cfg.Type)
}
