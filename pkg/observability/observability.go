package observability

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attack_jobs_submitted_total",
		Help: "The total number of submitted attack jobs",
	}, []string{"kind"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attack_jobs_processed_total",
		Help: "The total number of processed attack jobs",
	}, []string{"kind", "status"}) // status: completed, failed, retried, duplicate

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attack_job_duration_seconds",
		Help:    "Duration of job processing.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	SandboxRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attack_sandbox_runs_total",
		Help: "Sandbox invocations by outcome.",
	}, []string{"outcome"}) // outcome: success, build_error, run_error, timeout, rejected

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attack_webhook_deliveries_total",
		Help: "Result webhook deliveries by job status and result.",
	}, []string{"status", "result"})

	LostNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attack_webhook_lost_notifications_total",
		Help: "Successful executions whose completion webhook could not be delivered.",
	})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attack_outbox_published_total",
		Help: "Outbox messages relayed to the broker.",
	}, []string{"result"})

	JobsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attack_jobs_reconciled_total",
		Help: "Jobs recovered from expired worker leases.",
	}, []string{"action"}) // action: requeued, failed

	AttackLogUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attack_log_updates_total",
		Help: "Attack log upserts by reported status.",
	}, []string{"status"})

	EngagementEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "email_engagement_events_total",
		Help: "Email engagement recordings by event type and result.",
	}, []string{"event_type", "result"}) // result: recorded, duplicate, best_effort

	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agents_connected",
		Help: "Agents currently registered on this instance.",
	})

	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_commands_dispatched_total",
		Help: "Commands sent to agents by result.",
	}, []string{"result"}) // result: delivered, not_connected

	AgentEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_status_events_dropped_total",
		Help: "Agent status updates dropped because the event buffer was full.",
	})
)

// NewLogger creates a new structured logger.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
