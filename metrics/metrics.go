package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts webhook deliveries by HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesync",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total webhook deliveries by HTTP status.",
	}, []string{"status"})

	// WebhookDuration tracks end-to-end delivery handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitlesync",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook delivery handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	// EventsTotal counts normalized events by kind and outcome
	// (applied, duplicate, ignored).
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesync",
		Subsystem: "reconcile",
		Name:      "events_total",
		Help:      "Normalized events by kind and outcome.",
	}, []string{"kind", "outcome"})

	// SkippedItemsTotal counts line items dropped as unresolvable.
	SkippedItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "entitlesync",
		Subsystem: "reconcile",
		Name:      "skipped_items_total",
		Help:      "Line items skipped because no user or entitlement id could be resolved.",
	})

	// TierTransitionsTotal counts committed tier transitions by action and source.
	TierTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesync",
		Subsystem: "reconcile",
		Name:      "tier_transitions_total",
		Help:      "Committed tier transitions by action and source.",
	}, []string{"action", "source"})

	// EnvelopeFailuresTotal counts envelopes rolled back, by reason.
	EnvelopeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesync",
		Subsystem: "reconcile",
		Name:      "envelope_failures_total",
		Help:      "Envelopes rejected or rolled back, by reason.",
	}, []string{"reason"})

	// AuditFailuresTotal counts best-effort audit appends that failed.
	AuditFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "entitlesync",
		Subsystem: "audit",
		Name:      "append_failures_total",
		Help:      "Audit trail appends that failed without aborting reconciliation.",
	})

	// SweepRunsTotal counts expiry sweep runs by outcome.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlesync",
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Expiry sweep runs by outcome.",
	}, []string{"outcome"})
)
