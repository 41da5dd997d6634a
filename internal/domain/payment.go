package domain

import "time"

// PaymentOutcome is the result a ledger entry records.
type PaymentOutcome string

const (
	PaymentOutcomeSuccess  PaymentOutcome = "success"
	PaymentOutcomeFailed   PaymentOutcome = "failed"
	PaymentOutcomeRefunded PaymentOutcome = "refunded"
)

// Valid reports whether o is a known outcome.
func (o PaymentOutcome) Valid() bool {
	switch o {
	case PaymentOutcomeSuccess, PaymentOutcomeFailed, PaymentOutcomeRefunded:
		return true
	}
	return false
}

// PaymentRecord is one append-only ledger entry. A refund is a new record
// pointing at the original through RefundOfID.
type PaymentRecord struct {
	CreatedAt      time.Time      `json:"created_at"`
	PaidAt         *time.Time     `json:"paid_at,omitempty"`
	FailedAt       *time.Time     `json:"failed_at,omitempty"`
	RefundedAt     *time.Time     `json:"refunded_at,omitempty"`
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	OrganizationID string         `json:"organization_id"`
	Currency       string         `json:"currency"`
	Outcome        PaymentOutcome `json:"outcome"`
	ProviderRef    string         `json:"provider_ref"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	RefundOfID     string         `json:"refund_of_id,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	AmountCents    int64          `json:"amount_cents"`
}

// OccurredAt is the provider-reported time of the outcome, falling back to CreatedAt.
func (p *PaymentRecord) OccurredAt() time.Time {
	switch {
	case p.PaidAt != nil:
		return *p.PaidAt
	case p.FailedAt != nil:
		return *p.FailedAt
	case p.RefundedAt != nil:
		return *p.RefundedAt
	}
	return p.CreatedAt
}

// Amount returns the record's amount as money.
func (p *PaymentRecord) Amount() Money {
	return NewMoney(p.AmountCents, p.Currency)
}

// IsRefundable reports whether the record is a successful charge.
func (p *PaymentRecord) IsRefundable() bool {
	return p.Outcome == PaymentOutcomeSuccess
}
