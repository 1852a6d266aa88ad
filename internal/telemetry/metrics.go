package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs admitted and queued for execution"})
	JobsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached failed"})
	JobsInFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing"})
	CreditsDebited      = prometheus.NewCounter(prometheus.CounterOpts{Name: "credits_debited_total", Help: "Credits debited at admission"})
	CreditsRefunded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "credits_refunded_total", Help: "Credits refunded after failures"})
	RefundFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_refund_failures_total", Help: "Refund attempts that could not be applied on any path"})
	AdmissionRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "admissions_rejected_total", Help: "Submissions rejected for insufficient credits"})
	FallbackWrites      = prometheus.NewCounter(prometheus.CounterOpts{Name: "fallback_writes_total", Help: "Writes that landed on the in-memory fallback store"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsInFlight,
			CreditsDebited,
			CreditsRefunded,
			RefundFailures,
			AdmissionRejects,
			FallbackWrites,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
