package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"attack-pipeline/pkg/artifacts"
	"attack-pipeline/pkg/circuitbreaker"
	"attack-pipeline/pkg/config"
	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/executor"
	"attack-pipeline/pkg/job"
	"attack-pipeline/pkg/mq"
	"attack-pipeline/pkg/observability"
	"attack-pipeline/pkg/queue"
	"attack-pipeline/pkg/sandbox"
	"attack-pipeline/pkg/webhook"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	if err := config.Validate(cfg, config.NeedDatabase, config.NeedRabbitMQ, config.NeedWebhook); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	if err := mqClient.SetupTopology(cfg.RetryDelays()); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	metricsSrv := observability.StartMetricsServer(cfg.MetricsAddr)

	runner := sandbox.New(sandbox.Config{
		ScriptsDir:  cfg.ScriptsDir,
		Timeout:     cfg.SandboxTimeout,
		CPUs:        cfg.SandboxCPUs,
		Memory:      cfg.SandboxMemory,
		PidsLimit:   cfg.SandboxPidsLimit,
		CacheImages: cfg.SandboxCacheImages,
	}, sandbox.WithLogger(logger))

	notifier := webhook.New(cfg.WebhookBaseURL,
		webhook.WithSecret(cfg.WebhookSecret),
		webhook.WithTimeout(cfg.WebhookTimeout),
		webhook.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)),
		webhook.WithLogger(logger),
	)

	execOpts := []executor.Option{executor.WithLogger(logger)}
	if cfg.MinIOEndpoint != "" {
		store, err := artifacts.NewMinIOStore(ctx, artifacts.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			slog.Error("failed to connect to minio", "error", err)
			return
		}
		execOpts = append(execOpts, executor.WithArtifacts(store))
		slog.Info("archiving script output", "bucket", cfg.MinIOBucket)
	}
	exec := executor.New(runner, notifier, execOpts...)

	q := queue.New(dbClient, mqClient, queue.WithLogger(logger), queue.WithLease(cfg.JobLease()))

	// A lost broker connection stops consumption; the container is restarted
	// and unacked deliveries go back to the queue.
	go func() {
		select {
		case amqpErr := <-mqClient.NotifyClose():
			if amqpErr != nil {
				slog.Error("rabbitmq connection closed", "error", amqpErr)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	for _, kind := range job.Kinds {
		wg.Add(1)
		go func(kind job.Kind) {
			defer wg.Done()
			if err := q.Run(ctx, kind, cfg.WorkerConcurrency, exec.Handle); err != nil {
				slog.Error("worker stopped", "kind", kind, "error", err)
				cancel()
			}
		}(kind)
	}

	slog.Info("all workers started. waiting for jobs...",
		"webhook_url", notifier.URL(), "scripts_dir", cfg.ScriptsDir)

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping workers...")
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	metricsSrv.Shutdown(shutdownCtx)
	slog.Info("all workers stopped gracefully")
}
