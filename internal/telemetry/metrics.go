package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "citestack_jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "citestack_jobs_claimed_total", Help: "Jobs claimed by a runner"})
	JobsSucceeded      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "citestack_jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "citestack_jobs_retried_total", Help: "Jobs that failed and were requeued"}, []string{"type"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "citestack_jobs_failed_total", Help: "Jobs that failed terminally"}, []string{"type"})
	JobsRecovered      = prometheus.NewCounter(prometheus.CounterOpts{Name: "citestack_jobs_recovered_total", Help: "Stuck running jobs returned to the queue"})
	BatchDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "citestack_runner_batch_seconds", Help: "Duration of runner batches", Buckets: prometheus.DefBuckets})
	CreditsSpent       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "citestack_credits_spent_total", Help: "Credits debited by reason"}, []string{"reason"})
	CreditsGranted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "citestack_credits_granted_total", Help: "Credits granted by reason"}, []string{"reason"})
	IdempotentReplays  = prometheus.NewCounter(prometheus.CounterOpts{Name: "citestack_idempotent_replays_total", Help: "Responses served from the idempotency cache"})
	WebhookEvents      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "citestack_webhook_events_total", Help: "Billing webhook events by type and outcome"}, []string{"type", "outcome"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "citestack_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WakeupsPublished   = prometheus.NewCounter(prometheus.CounterOpts{Name: "citestack_runner_wakeups_total", Help: "Runner wakeup signals published"})
	ScreenshotFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "citestack_screenshot_soft_failures_total", Help: "Screenshot attempts that ended without a thumbnail"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsRecovered,
			BatchDuration,
			CreditsSpent,
			CreditsGranted,
			IdempotentReplays,
			WebhookEvents,
			RateLimitRejects,
			WakeupsPublished,
			ScreenshotFailures,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
