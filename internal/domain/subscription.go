package domain

import (
	"time"
)

// SubscriptionStatus represents the subscription state
type SubscriptionStatus string

const (
	SubscriptionStatusTrial       SubscriptionStatus = "trial"
	SubscriptionStatusActive      SubscriptionStatus = "active"
	SubscriptionStatusPastDue     SubscriptionStatus = "past_due"
	SubscriptionStatusGracePeriod SubscriptionStatus = "grace_period"
	SubscriptionStatusCancelled   SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired     SubscriptionStatus = "expired"
)

// AllSubscriptionStatuses lists every status in lifecycle order.
var AllSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusTrial,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusGracePeriod,
	SubscriptionStatusCancelled,
	SubscriptionStatusExpired,
}

// LiveSubscriptionStatuses are the statuses of which an organization may hold at most one.
var LiveSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusTrial,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusGracePeriod,
}

// IsLive reports whether the status counts toward the one-live-subscription rule.
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusGracePeriod:
		return true
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	return s.IsLive() || s.IsTerminal()
}

// ParseSubscriptionStatus validates a status string from an API filter.
func ParseSubscriptionStatus(v string) (SubscriptionStatus, error) {
	s := SubscriptionStatus(v)
	if !s.Valid() {
		return "", Validationf("unknown subscription status %q", v)
	}
	return s, nil
}

var legalTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusTrial: {
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusExpired,
		SubscriptionStatusCancelled,
	},
	SubscriptionStatusActive: {
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusCancelled,
	},
	SubscriptionStatusPastDue: {
		SubscriptionStatusActive,
		SubscriptionStatusGracePeriod,
		SubscriptionStatusCancelled,
	},
	SubscriptionStatusGracePeriod: {
		SubscriptionStatusActive,
		SubscriptionStatusCancelled,
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChargeKind names why a charge was attempted.
type ChargeKind string

const (
	ChargeKindInitial         ChargeKind = "initial"
	ChargeKindTrialConversion ChargeKind = "trial_conversion"
	ChargeKindRenewal         ChargeKind = "renewal"
	ChargeKindDunning         ChargeKind = "dunning"
)

// PendingCharge is a provider attempt whose outcome is not yet known, usually
// because the request timed out. Nothing is written to the ledger until it resolves.
type PendingCharge struct {
	AttemptedAt    time.Time  `json:"attempted_at"`
	IdempotencyKey string     `json:"idempotency_key"`
	Kind           ChargeKind `json:"kind"`
	Currency       string     `json:"currency"`
	AmountCents    int64      `json:"amount_cents"`
}

// Subscription is the authoritative billing state of one organization on one plan.
type Subscription struct {
	CurrentPeriodStart time.Time              `json:"current_period_start"`
	CurrentPeriodEnd   time.Time              `json:"current_period_end"`
	NextBillingDate    time.Time              `json:"next_billing_date"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	TrialStart         *time.Time             `json:"trial_start,omitempty"`
	TrialEnd           *time.Time             `json:"trial_end,omitempty"`
	LastPaymentDate    *time.Time             `json:"last_payment_date,omitempty"`
	NextRetryAt        *time.Time             `json:"next_retry_at,omitempty"`
	GracePeriodEnd     *time.Time             `json:"grace_period_end,omitempty"`
	CancelledAt        *time.Time             `json:"cancelled_at,omitempty"`
	PendingCharge      *PendingCharge         `json:"pending_charge,omitempty"`
	Metadata           map[string]interface{} `json:"metadata"`
	ID                 string                 `json:"id"`
	OrganizationID     string                 `json:"organization_id"`
	PlanID             string                 `json:"plan_id"`
	CustomerRef        string                 `json:"customer_ref"`
	AuthorizationCode  string                 `json:"-"`
	Status             SubscriptionStatus     `json:"status"`
	CancelReason       string                 `json:"cancel_reason,omitempty"`
	BillingAnchorDay   int                    `json:"billing_anchor_day"`
	FailedPaymentCount int                    `json:"failed_payment_count"`
	Version            int64                  `json:"version"`
}

// IsLive reports whether the subscription occupies the organization's live slot.
func (s *Subscription) IsLive() bool {
	return s.Status.IsLive()
}

// IsTerminal reports whether the subscription can no longer transition.
func (s *Subscription) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// HasAuthorization reports whether a payment method is on file.
func (s *Subscription) HasAuthorization() bool {
	return s.AuthorizationCode != ""
}

// Clone returns a deep copy so callers can compute a next state without
// mutating a snapshot shared with a store.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.TrialStart = cloneTime(s.TrialStart)
	c.TrialEnd = cloneTime(s.TrialEnd)
	c.LastPaymentDate = cloneTime(s.LastPaymentDate)
	c.NextRetryAt = cloneTime(s.NextRetryAt)
	c.GracePeriodEnd = cloneTime(s.GracePeriodEnd)
	c.CancelledAt = cloneTime(s.CancelledAt)
	if s.PendingCharge != nil {
		pc := *s.PendingCharge
		c.PendingCharge = &pc
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ResetDunning clears the dunning counter and every dunning deadline.
func (s *Subscription) ResetDunning() {
	s.FailedPaymentCount = 0
	s.NextRetryAt = nil
	s.GracePeriodEnd = nil
	s.PendingCharge = nil
}

// StartPeriod begins a fresh billing period at start and re-anchors the billing day.
func (s *Subscription) StartPeriod(plan *Plan, start time.Time) {
	start = start.UTC()
	s.BillingAnchorDay = start.Day()
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = NextPeriodEnd(start, plan.Interval, plan.IntervalCount, s.BillingAnchorDay)
	s.NextBillingDate = s.CurrentPeriodEnd
}

// RollOver advances to the period following the current one, keeping the anchor day.
func (s *Subscription) RollOver(plan *Plan) {
	start := s.CurrentPeriodEnd
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = NextPeriodEnd(start, plan.Interval, plan.IntervalCount, s.BillingAnchorDay)
	s.NextBillingDate = s.CurrentPeriodEnd
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to the UTC form of t.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
