// Package metrics exposes Prometheus instrumentation for the entitlement
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts webhook events by type and outcome
	// (processed, duplicate, ignored, rejected, absorbed).
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_events_processed_total",
		Help: "Webhook events processed by type and outcome",
	}, []string{"type", "outcome"})

	// GrantsCreated counts materialized access grants by access type.
	GrantsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_grants_created_total",
		Help: "Access grants created by access type",
	}, []string{"access_type"})

	// GrantTransitions counts grant status transitions.
	GrantTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_grant_transitions_total",
		Help: "Grant status transitions by resulting status",
	}, []string{"status"})

	// SideEffectFailures counts absorbed side-effect failures by kind.
	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_side_effect_failures_total",
		Help: "Side-effect failures absorbed during event processing",
	}, []string{"effect"})

	// DonationTransfers tracks donation amounts forwarded to the platform.
	DonationTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlements_donation_transfers_total",
		Help: "Donation transfers initiated",
	})

	// DonationAmountCents tracks the total donated amount in cents.
	DonationAmountCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlements_donation_amount_cents_total",
		Help: "Total donation amount transferred, in cents",
	})

	// ReconcileRuns counts reconciliation sweeps by outcome.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_reconcile_runs_total",
		Help: "Reconciliation sweeps by outcome",
	}, []string{"outcome"})

	// ReconcileRepairs counts grants recreated by the reconciliation sweep.
	ReconcileRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlements_reconcile_repairs_total",
		Help: "Subscriptions repaired by the reconciliation sweep",
	})

	// JobsEnqueued counts background jobs enqueued by type.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_jobs_enqueued_total",
		Help: "Background jobs enqueued by type",
	}, []string{"type"})

	// WebhookRequestDuration observes webhook handling latency.
	WebhookRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "entitlements_webhook_duration_seconds",
		Help:    "Webhook request handling duration",
		Buckets: prometheus.DefBuckets,
	})
)
