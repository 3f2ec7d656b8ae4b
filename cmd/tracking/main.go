// Command tracking runs the SES notification consumer on its own, for
// deployments that keep queue processing off the API hosts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/repository"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/tracking"
)

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	defer func() { _ = logger.Sync() }()

	if cfg.Tracking.SQSQueueURL == "" {
		logger.Error("tracking.sqs_queue_url is required")
		os.Exit(1)
	}
	if cfg.Store.Driver == config.DriverMemory {
		logger.Error("the tracking consumer needs a shared store; set store.driver to postgres or mongo")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := repository.Open(ctx, cfg.Store)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Tracking.Region))
	if err != nil {
		logger.Error("aws config", "error", err)
		os.Exit(1)
	}

	consumer := tracking.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Tracking.SQSQueueURL, campaign.NewTracker(stores.Campaigns))
	consumer.Start(ctx)
	logger.Info("tracking consumer listening", "queue_url", cfg.Tracking.SQSQueueURL, "store", stores.Driver)

	<-ctx.Done()
	logger.Info("shutting down tracking consumer")
	consumer.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := stores.Close(closeCtx); err != nil {
		logger.Warn("close store", "error", err)
	}
}
