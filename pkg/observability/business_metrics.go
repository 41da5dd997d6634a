package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lifecycle transitions
	subscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_transitions_total",
		Help: "Total committed subscription status transitions",
	}, []string{
		"from",    // empty for creation
		"to",      // trial, active, past_due, grace_period, cancelled, expired
		"trigger", // create, sweep, payment, webhook, retry, admin, reconcile
	})

	transitionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_transition_conflicts_total",
		Help: "Transitions abandoned because the subscription version changed",
	}, []string{"trigger"})

	invariantViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscription_invariant_violations_total",
		Help: "Transitions aborted because an organization would hold two live subscriptions",
	})

	// Provider charges
	chargeAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_charge_attempts_total",
		Help: "Total charge attempts against the payment provider",
	}, []string{
		"kind",   // initial, trial_conversion, renewal, dunning
		"result", // succeeded, failed, timeout, unavailable, error
	})

	chargedAmountCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_charged_amount_cents_total",
		Help: "Total successfully charged amount in minor units",
	}, []string{"currency"})

	chargeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_charge_duration_seconds",
		Help:    "Time spent waiting on the payment provider per charge",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"kind"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_refunds_total",
		Help: "Total refunds issued",
	}, []string{"currency"})

	providerCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_provider_circuit_state",
		Help: "Payment provider circuit state (0=closed, 1=open, 2=half-open)",
	})

	// Dunning
	dunningRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_dunning_retries_total",
		Help: "Dunning retries by origin",
	}, []string{
		"origin", // scheduled, manual
		"result", // succeeded, failed, exhausted
	})

	// Sweeps
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_sweep_runs_total",
		Help: "Lifecycle sweep and reconciliation runs",
	}, []string{
		"job",    // sweep, reconcile
		"status", // completed, failed, skipped_locked
	})

	sweepSubscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_sweep_subscriptions_total",
		Help: "Subscriptions evaluated by sweeps, by outcome",
	}, []string{"outcome"}) // processed, skipped, failed, expired, cancelled, warning

	sweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_sweep_duration_seconds",
		Help:    "Wall time of a sweep or reconciliation run",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"job"})

	// Provider webhooks
	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Provider webhook events received",
	}, []string{
		"status", // applied, duplicate, ignored, rejected, failed
	})

	// Organization gate
	gateDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "organization_gate_deliveries_total",
		Help: "Organization gate notification attempts",
	}, []string{
		"status", // delivered, failed
	})

	gateDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "organization_gate_delivery_duration_seconds",
		Help:    "Time to deliver a gate notification including retries",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// RecordTransition records a committed lifecycle transition
func RecordTransition(from, to, trigger string) {
	subscriptionTransitionsTotal.WithLabelValues(from, to, trigger).Inc()
}

// RecordTransitionConflict records an abandoned stale transition
func RecordTransitionConflict(trigger string) {
	transitionConflictsTotal.WithLabelValues(trigger).Inc()
}

// RecordInvariantViolation records a blocked second live subscription
func RecordInvariantViolation() {
	invariantViolationsTotal.Inc()
}

// RecordCharge records one provider charge attempt
func RecordCharge(kind, result string, amountCents int64, currency string, seconds float64) {
	chargeAttemptsTotal.WithLabelValues(kind, result).Inc()
	chargeDuration.WithLabelValues(kind).Observe(seconds)

	// Only successful charges count toward collected revenue
	if result == "succeeded" {
		chargedAmountCents.WithLabelValues(currency).Add(float64(amountCents))
	}
}

// RecordRefund records an issued refund
func RecordRefund(currency string) {
	refundsTotal.WithLabelValues(currency).Inc()
}

// SetProviderCircuitState publishes the provider circuit state
func SetProviderCircuitState(state int) {
	providerCircuitState.Set(float64(state))
}

// RecordDunningRetry records a scheduled or manual retry outcome
func RecordDunningRetry(origin, result string) {
	dunningRetriesTotal.WithLabelValues(origin, result).Inc()
}

// RecordSweepRun records the end of a sweep or reconciliation run
func RecordSweepRun(job, status string, seconds float64) {
	sweepRunsTotal.WithLabelValues(job, status).Inc()
	if status != "skipped_locked" {
		sweepDuration.WithLabelValues(job).Observe(seconds)
	}
}

// RecordSweepOutcome adds n subscriptions to an outcome bucket
func RecordSweepOutcome(outcome string, n int) {
	if n > 0 {
		sweepSubscriptions.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordWebhookEvent records a provider webhook by handling status
func RecordWebhookEvent(status string) {
	webhookEventsTotal.WithLabelValues(status).Inc()
}

// RecordGateDelivery records an organization gate notification
func RecordGateDelivery(status string, seconds float64) {
	gateDeliveriesTotal.WithLabelValues(status).Inc()
	gateDeliveryDuration.Observe(seconds)
}
