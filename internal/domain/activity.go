package domain

import "time"

// Trigger records what invoked a transition.
type Trigger string

const (
	TriggerCreate    Trigger = "create"
	TriggerSweep     Trigger = "sweep"
	TriggerPayment   Trigger = "payment"
	TriggerWebhook   Trigger = "webhook"
	TriggerRetry     Trigger = "retry"
	TriggerAdmin     Trigger = "admin"
	TriggerReconcile Trigger = "reconcile"
)

// ActivityType classifies entries in the lifecycle activity feed.
type ActivityType string

const (
	ActivitySubscriptionCreated  ActivityType = "SUBSCRIPTION_CREATED"
	ActivityTrialConverted       ActivityType = "TRIAL_CONVERTED"
	ActivityRenewed              ActivityType = "RENEWED"
	ActivityPaymentFailed        ActivityType = "PAYMENT_FAILED"
	ActivityPaymentSucceeded     ActivityType = "PAYMENT_SUCCEEDED"
	ActivityPaymentRefunded      ActivityType = "PAYMENT_REFUNDED"
	ActivityEnteredGracePeriod   ActivityType = "ENTERED_GRACE_PERIOD"
	ActivityRetryBudgetExhausted ActivityType = "RETRY_BUDGET_EXHAUSTED"
	ActivityCancelled            ActivityType = "CANCELLED"
	ActivityExpired              ActivityType = "EXPIRED"
	ActivityReactivated          ActivityType = "REACTIVATED"
)

// Transition is one persisted edge in a subscription's history. From is empty
// for the creation entry.
type Transition struct {
	CreatedAt      time.Time          `json:"created_at"`
	ID             string             `json:"id"`
	SubscriptionID string             `json:"subscription_id"`
	OrganizationID string             `json:"organization_id"`
	From           SubscriptionStatus `json:"from,omitempty"`
	To             SubscriptionStatus `json:"to"`
	Activity       ActivityType       `json:"activity"`
	Trigger        Trigger            `json:"trigger"`
	Reason         string             `json:"reason,omitempty"`
}

// Activity is a read-only feed entry merged from transitions and ledger records.
type Activity struct {
	OccurredAt     time.Time          `json:"occurred_at"`
	Type           ActivityType       `json:"type"`
	OrganizationID string             `json:"organization_id"`
	SubscriptionID string             `json:"subscription_id"`
	PaymentID      string             `json:"payment_id,omitempty"`
	Status         SubscriptionStatus `json:"status,omitempty"`
	Currency       string             `json:"currency,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	AmountCents    int64              `json:"amount_cents,omitempty"`
}

// ActivityFromTransition projects a transition into the feed.
func ActivityFromTransition(t *Transition) Activity {
	return Activity{
		OccurredAt:     t.CreatedAt,
		Type:           t.Activity,
		OrganizationID: t.OrganizationID,
		SubscriptionID: t.SubscriptionID,
		Status:         t.To,
		Reason:         t.Reason,
	}
}

// ActivityFromPayment projects a ledger record into the feed.
func ActivityFromPayment(p *PaymentRecord) Activity {
	a := Activity{
		OccurredAt:     p.OccurredAt(),
		OrganizationID: p.OrganizationID,
		SubscriptionID: p.SubscriptionID,
		PaymentID:      p.ID,
		Currency:       p.Currency,
		AmountCents:    p.AmountCents,
		Reason:         p.FailureReason,
	}
	switch p.Outcome {
	case PaymentOutcomeSuccess:
		a.Type = ActivityPaymentSucceeded
	case PaymentOutcomeFailed:
		a.Type = ActivityPaymentFailed
	case PaymentOutcomeRefunded:
		a.Type = ActivityPaymentRefunded
	}
	return a
}
