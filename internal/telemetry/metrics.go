package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_jobs_enqueued_total", Help: "Jobs accepted into the ledger"})
	JobsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_jobs_deduplicated_total", Help: "Enqueues collapsed onto an existing active job"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_jobs_completed_total", Help: "Jobs handled successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_jobs_failed_total", Help: "Job attempts that failed"})
	JobsRescheduled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_jobs_rescheduled_total", Help: "Jobs rescheduled without consuming an attempt"})
	JobsDead         = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_jobs_dead_total", Help: "Jobs that exhausted attempts into a terminal status"})
	LeasesReaped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_leases_reaped_total", Help: "Expired leases returned to pending"})
	WebhooksReceived = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_webhooks_received_total", Help: "Webhook deliveries accepted"})
	WebhooksRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_webhooks_rejected_total", Help: "Webhook deliveries rejected at ingestion"})
	DeadLetters      = prometheus.NewCounter(prometheus.CounterOpts{Name: "loom_dead_letters_total", Help: "Payloads captured in the dead-letter store"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDeduplicated,
			JobsCompleted,
			JobsFailed,
			JobsRescheduled,
			JobsDead,
			LeasesReaped,
			WebhooksReceived,
			WebhooksRejected,
			DeadLetters,
		)
	})
	return promhttp.Handler()
}
