package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"attack-pipeline/pkg/circuitbreaker"
	"attack-pipeline/pkg/config"
	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/mq"
	"attack-pipeline/pkg/observability"
	"attack-pipeline/pkg/outbox"
	"attack-pipeline/pkg/reconciler"
	"attack-pipeline/pkg/webhook"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	if err := config.Validate(cfg, config.NeedDatabase, config.NeedRabbitMQ, config.NeedWebhook); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	if err := dbClient.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		return
	}

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(cfg.RetryDelays()); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	metricsSrv := observability.StartMetricsServer(cfg.MetricsAddr)

	relay := outbox.NewRelay(dbClient, mqClient, cfg.OutboxBatchSize, logger)

	notifier := webhook.New(cfg.WebhookBaseURL,
		webhook.WithSecret(cfg.WebhookSecret),
		webhook.WithTimeout(cfg.WebhookTimeout),
		webhook.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)),
		webhook.WithLogger(logger),
	)
	rec := reconciler.New(reconciler.Config{
		Schedule:  cfg.ReconcileSchedule,
		BatchSize: cfg.ReconcileBatchSize,
	}, dbClient, notifier, logger)

	go func() {
		select {
		case amqpErr := <-mqClient.NotifyClose():
			if amqpErr != nil {
				logger.Error("rabbitmq connection closed", "error", amqpErr)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.Run(ctx, cfg.OutboxPollInterval)
	}()
	go func() {
		defer wg.Done()
		if err := rec.Run(ctx); err != nil {
			logger.Error("reconciler failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping publisher...")
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	metricsSrv.Shutdown(shutdownCtx)
	logger.Info("publisher stopped")
}
