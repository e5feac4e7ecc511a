// Package metrics registers the Prometheus collectors shared by the API and
// worker processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueState tracks queue entries by state, labeled by tier.
	QueueState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cypherray_queue_jobs",
		Help: "Queue entries by state and tier.",
	}, []string{"state", "tier"})

	// JobsProcessed counts terminal job outcomes.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cypherray_jobs_processed_total",
		Help: "Jobs reaching a terminal state.",
	}, []string{"status", "tier"})

	// CreditsCharged sums credits debited for completed jobs.
	CreditsCharged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cypherray_credits_charged_total",
		Help: "Credits charged for completed analyses.",
	})

	// AnalyzerLatency observes end-to-end analyzer call duration.
	AnalyzerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cypherray_analyzer_seconds",
		Help:    "Analyzer request duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// WebhookEvents counts payment webhook deliveries by outcome.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cypherray_payment_webhooks_total",
		Help: "Payment webhook deliveries by event and outcome.",
	}, []string{"event", "outcome"})
)
