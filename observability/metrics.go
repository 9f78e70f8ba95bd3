package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics records request activity across the API surface.
type HTTPMetrics struct {
	Requests  *prometheus.CounterVec
	Durations *prometheus.HistogramVec
	Throttles *prometheus.CounterVec
}

// OutboxMetrics records dispatcher activity.
type OutboxMetrics struct {
	Dispatched  *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	Deadletters *prometheus.CounterVec
	PendingAge  prometheus.Gauge
}

// PayoutMetrics records payout execution outcomes.
type PayoutMetrics struct {
	Executed *prometheus.CounterVec
	FeeCents *prometheus.CounterVec
	Blocked  *prometheus.CounterVec
}

// ArtifactMetrics records scan pipeline outcomes.
type ArtifactMetrics struct {
	Scans      *prometheus.CounterVec
	Blocked    *prometheus.CounterVec
	BacklogAge prometheus.Gauge
}

// AdmissionMetrics records backpressure refusals on jobs/next.
type AdmissionMetrics struct {
	Idle *prometheus.CounterVec
}

var (
	httpOnce sync.Once
	httpReg  *HTTPMetrics

	outboxOnce sync.Once
	outboxReg  *OutboxMetrics

	payoutOnce sync.Once
	payoutReg  *PayoutMetrics

	artifactOnce sync.Once
	artifactReg  *ArtifactMetrics

	admissionOnce sync.Once
	admissionReg  *AdmissionMetrics
)

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpReg = &HTTPMetrics{
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proofwork",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			Throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "http",
				Name:      "throttled_total",
				Help:      "Requests rejected by the ingress rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpReg.Requests, httpReg.Durations, httpReg.Throttles)
	})
	return httpReg
}

// Outbox returns the lazily-initialised outbox metrics registry.
func Outbox() *OutboxMetrics {
	outboxOnce.Do(func() {
		outboxReg = &OutboxMetrics{
			Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "dispatched_total",
				Help:      "Events successfully dispatched, segmented by topic.",
			}, []string{"topic"}),
			Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "failures_total",
				Help:      "Retryable handler failures, segmented by topic.",
			}, []string{"topic"}),
			Deadletters: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "deadletters_total",
				Help:      "Events abandoned after the attempt cap, segmented by topic.",
			}, []string{"topic"}),
			PendingAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "proofwork",
				Subsystem: "outbox",
				Name:      "pending_oldest_age_seconds",
				Help:      "Age of the oldest pending outbox event.",
			}),
		}
		prometheus.MustRegister(outboxReg.Dispatched, outboxReg.Failures, outboxReg.Deadletters, outboxReg.PendingAge)
	})
	return outboxReg
}

// Payouts returns the lazily-initialised payout metrics registry.
func Payouts() *PayoutMetrics {
	payoutOnce.Do(func() {
		payoutReg = &PayoutMetrics{
			Executed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "payout",
				Name:      "executed_total",
				Help:      "Payout executions segmented by provider and outcome.",
			}, []string{"provider", "outcome"}),
			FeeCents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "payout",
				Name:      "fee_cents_total",
				Help:      "Fees collected in cents, segmented by kind.",
			}, []string{"kind"}),
			Blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "payout",
				Name:      "blocked_total",
				Help:      "Payouts blocked before execution, segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(payoutReg.Executed, payoutReg.FeeCents, payoutReg.Blocked)
	})
	return payoutReg
}

// Artifacts returns the lazily-initialised artifact metrics registry.
func Artifacts() *ArtifactMetrics {
	artifactOnce.Do(func() {
		artifactReg = &ArtifactMetrics{
			Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "artifact",
				Name:      "scans_total",
				Help:      "Artifact scans segmented by outcome.",
			}, []string{"outcome"}),
			Blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "artifact",
				Name:      "blocked_total",
				Help:      "Artifacts blocked by the scanner, segmented by reason.",
			}, []string{"reason"}),
			BacklogAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "proofwork",
				Subsystem: "artifact",
				Name:      "scan_backlog_oldest_age_seconds",
				Help:      "Age of the oldest artifact awaiting scan.",
			}),
		}
		prometheus.MustRegister(artifactReg.Scans, artifactReg.Blocked, artifactReg.BacklogAge)
	})
	return artifactReg
}

// Admission returns the lazily-initialised admission metrics registry.
func Admission() *AdmissionMetrics {
	admissionOnce.Do(func() {
		admissionReg = &AdmissionMetrics{
			Idle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proofwork",
				Subsystem: "admission",
				Name:      "idle_total",
				Help:      "jobs/next responses returned idle, segmented by signal.",
			}, []string{"signal"}),
		}
		prometheus.MustRegister(admissionReg.Idle)
	})
	return admissionReg
}
