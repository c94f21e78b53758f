package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"attack-pipeline/pkg/admission"
	"attack-pipeline/pkg/auth"
	"attack-pipeline/pkg/config"
	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/mq"
	"attack-pipeline/pkg/observability"
	"attack-pipeline/pkg/queue"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	if err := config.Validate(cfg, config.NeedDatabase, config.NeedRabbitMQ); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	// The schema is created on startup; there is no separate migration step.
	if err := dbClient.InitSchema(ctx); err != nil {
		slog.Error("failed to initialize schema", "error", err)
		return
	}

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

	q := queue.New(dbClient, mqClient, queue.WithLogger(logger), queue.WithLease(cfg.JobLease()))
	r := mux.NewRouter()
	r.Use(auth.Middleware(cfg.AuthTokenSecret, "/health"))
	admission.NewHandler(q,
		admission.WithJobOptions(cfg.JobOptions()),
		admission.WithPinger(dbClient),
		admission.WithLogger(logger),
	).Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           corsHandler(cfg.CORSAllowedOrigins).Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("API server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown failed", "error", err)
	}
	metricsSrv.Shutdown(shutdownCtx)
	slog.Info("API server stopped")
}

func corsHandler(origins []string) *cors.Cors {
	if len(origins) == 0 {
		return cors.AllowAll()
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
}
