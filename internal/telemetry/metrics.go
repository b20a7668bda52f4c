package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs created via Submit"}, []string{"type"})
	DuplicateCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_duplicate_submissions_total", Help: "Submissions deduplicated by idempotency key"}, []string{"type"})
	DispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dispatch_failed_total", Help: "Jobs terminalized after exhausting dispatch retries"})
	StaleFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_stale_failed_total", Help: "Running jobs failed by the heartbeat monitor"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retries_spawned_total", Help: "Retry successor jobs created after retryable failures"})
	CleanupDeletions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_cleaned_total", Help: "Jobs deleted by the cleanup sweeper"}, []string{"status"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	ScaleUps         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoscaler_scale_up_total", Help: "Scale-up actions applied per worker class"}, []string{"class"})
	ScaleDowns       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoscaler_scale_down_total", Help: "Scale-down actions applied per worker class"}, []string{"class"})
	PendingGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_pending", Help: "Pending jobs per worker class"}, []string{"class"})
	RunningGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_running", Help: "Running jobs per worker class"}, []string{"class"})
	ReplicasGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "autoscaler_replicas", Help: "Current replica count per worker class"}, []string{"class"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			DuplicateCounter,
			DispatchFailures,
			StaleFailures,
			RetryCounter,
			CleanupDeletions,
			RateLimitRejects,
			ScaleUps,
			ScaleDowns,
			PendingGauge,
			RunningGauge,
			ReplicasGauge,
		)
	})
	return promhttp.Handler()
}
