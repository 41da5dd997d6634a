package ports

import (
	"context"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
)

// ChargeStatus is the provider's view of one charge attempt.
type ChargeStatus string

const (
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusFailed    ChargeStatus = "failed"
	// ChargeStatusPending means the provider has the attempt but no final outcome yet.
	ChargeStatusPending ChargeStatus = "pending"
)

// ChargeRequest asks the provider to collect one payment off-session.
type ChargeRequest struct {
	IdempotencyKey    string
	SubscriptionID    string
	OrganizationID    string
	CustomerRef       string
	AuthorizationCode string
	Currency          string
	Description       string
	Kind              domain.ChargeKind
	AmountCents       int64
}

// ChargeResult is the provider's answer for a charge. A decline is a result
// with ChargeStatusFailed, not an error.
type ChargeResult struct {
	ProcessedAt   time.Time
	ProviderRef   string
	Status        ChargeStatus
	FailureReason string
	Currency      string
	AmountCents   int64
}

// RefundRequest reverses a successful charge.
type RefundRequest struct {
	IdempotencyKey string
	ChargeRef      string
	Currency       string
	Reason         string
	AmountCents    int64
}

// RefundResult is the provider's answer for a refund.
type RefundResult struct {
	ProcessedAt time.Time
	ProviderRef string
}

// PaymentProvider is the narrow interface to the payment gateway.
//
// Charge and Refund return an error only when no authoritative answer was
// obtained: PROVIDER_TIMEOUT when the outcome is unknown, PROVIDER_UNAVAILABLE
// when the request was never sent.
type PaymentProvider interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// LookupCharge returns the outcome recorded under an idempotency key, or
	// nil when the provider never received the attempt.
	LookupCharge(ctx context.Context, idempotencyKey string) (*ChargeResult, error)
}

// PaymentEvent is a verified provider callback about a charge outcome.
type PaymentEvent struct {
	OccurredAt     time.Time
	EventID        string
	ProviderRef    string
	SubscriptionID string
	IdempotencyKey string
	Outcome        domain.PaymentOutcome
	Currency       string
	FailureReason  string
	// RefundOfRef is the charge reference a refund event reverses.
	RefundOfRef string
	AmountCents int64
}

// WebhookVerifier authenticates and decodes provider callbacks. It returns a
// nil event for callback types the engine does not act on.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (*PaymentEvent, error)
}
