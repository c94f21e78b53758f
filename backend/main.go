package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"attack-pipeline/pkg/agents"
	"attack-pipeline/pkg/auth"
	"attack-pipeline/pkg/config"
	"attack-pipeline/pkg/database"
	"attack-pipeline/pkg/httputil"
	"attack-pipeline/pkg/notify"
	"attack-pipeline/pkg/observability"
	"attack-pipeline/pkg/recorder"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	if err := config.Validate(cfg, config.NeedDatabase); err != nil {
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

	if err := dbClient.InitSchema(ctx); err != nil {
		slog.Error("failed to initialize schema", "error", err)
		return
	}

	metricsSrv := observability.StartMetricsServer(cfg.MetricsAddr)

	hub := agents.NewHub(originChecker(cfg.CORSAllowedOrigins), logger)

	var wg sync.WaitGroup
	var bus notify.Publisher
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			return
		}
		redisBus := notify.NewRedisBus(rdb, notify.DefaultChannel, hub, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := redisBus.Run(ctx); err != nil {
				slog.Error("redis relay stopped", "error", err)
				stop()
			}
		}()
		bus = redisBus
	} else {
		slog.Info("REDIS_ADDR not set, live events stay in-process")
		bus = notify.NewLocalBus(hub)
	}

	svc := recorder.NewService(dbClient, bus, logger)
	registry := agents.NewRegistry(bus, logger)
	hub.Attach(registry, bus, svc)

	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.Run(ctx)
	}()

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler(dbClient)).Methods(http.MethodGet)
	recorder.NewHandler(svc, cfg.WebhookSecret, logger).Routes(r)

	// Operator and agent surfaces need a token; the recorder endpoints are
	// called by the worker (signed) and by tracking links.
	protected := r.NewRoute().Subrouter()
	protected.Use(auth.Middleware(cfg.AuthTokenSecret))
	agents.NewHandler(registry, hub, logger).Routes(protected)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           corsHandler(cfg.CORSAllowedOrigins).Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("backend server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("backend server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping backend...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Hijacked websocket connections are closed when the registry stops.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("backend server shutdown failed", "error", err)
	}
	wg.Wait()
	metricsSrv.Shutdown(shutdownCtx)
	slog.Info("backend stopped")
}

func healthHandler(db *database.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			httputil.RespondError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		httputil.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "attack-pipeline-backend"})
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Agents are not browsers and send no Origin.
		return origin == "" || allowed[origin]
	}
}

func corsHandler(origins []string) *cors.Cors {
	if len(origins) == 0 {
		return cors.AllowAll()
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
}
