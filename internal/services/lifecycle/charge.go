package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/ledger"
)

// chargeOutcome is what a provider attempt produced.
type chargeOutcome int

const (
	chargeSucceeded chargeOutcome = iota
	chargeDeclined
	// chargeUnknown means the request may have reached the provider; the
	// attempt is parked as a pending charge for reconciliation.
	chargeUnknown
)

type attempt struct {
	outcome chargeOutcome
	key     string
	kind    domain.ChargeKind
	result  *ports.ChargeResult
}

// chargeKey derives the idempotency key of an attempt from the billing
// period and the dunning counter, so a replay of the same attempt reuses it.
func chargeKey(kind domain.ChargeKind, sub *domain.Subscription) string {
	return fmt.Sprintf("%s:%s:%d:%d", kind, sub.ID, periodEnd(sub).Unix(), sub.FailedPaymentCount)
}

func initialChargeKey(organizationID, planID string, start time.Time) string {
	return fmt.Sprintf("initial:%s:%s:%d", organizationID, planID, start.Unix())
}

func periodEnd(sub *domain.Subscription) time.Time {
	if sub.Status == domain.SubscriptionStatusTrial && sub.TrialEnd != nil {
		return *sub.TrialEnd
	}
	return sub.CurrentPeriodEnd
}

// charge asks the provider for one payment. An unavailable provider returns
// an error and nothing should change; a timeout is reported as chargeUnknown.
func (m *Machine) charge(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, kind domain.ChargeKind, key string) (*attempt, error) {
	res, err := m.provider.Charge(ctx, ports.ChargeRequest{
		IdempotencyKey:    key,
		SubscriptionID:    sub.ID,
		OrganizationID:    sub.OrganizationID,
		CustomerRef:       sub.CustomerRef,
		AuthorizationCode: sub.AuthorizationCode,
		AmountCents:       plan.AmountCents,
		Currency:          plan.Currency,
		Kind:              kind,
		Description:       fmt.Sprintf("%s (%s)", plan.Name, kind),
	})

	switch {
	case err == nil:
	case domain.IsDomainError(err, domain.ErrorCodeProviderTimeout):
		m.logger.Warn("charge outcome unknown; parking for reconciliation",
			ports.String("subscription_id", sub.ID),
			ports.String("idempotency_key", key),
			ports.Err(err))
		return &attempt{outcome: chargeUnknown, key: key, kind: kind}, nil
	default:
		return nil, fmt.Errorf("charge %s: %w", kind, err)
	}

	a := &attempt{key: key, kind: kind, result: res}
	switch res.Status {
	case ports.ChargeStatusSucceeded:
		a.outcome = chargeSucceeded
	case ports.ChargeStatusPending:
		a.outcome = chargeUnknown
	default:
		a.outcome = chargeDeclined
	}
	return a, nil
}

// entry turns a settled attempt into the ledger record committed with the transition.
func (a *attempt) entry(sub *domain.Subscription, plan *domain.Plan, now time.Time) *ledger.Entry {
	if a.outcome == chargeUnknown {
		return nil
	}
	e := &ledger.Entry{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		ProviderRef:    a.result.ProviderRef,
		IdempotencyKey: a.key,
		AmountCents:    a.result.AmountCents,
		Currency:       a.result.Currency,
		OccurredAt:     a.result.ProcessedAt,
		FailureReason:  a.result.FailureReason,
		Outcome:        domain.PaymentOutcomeSuccess,
	}
	if a.outcome == chargeDeclined {
		e.Outcome = domain.PaymentOutcomeFailed
	}
	if e.AmountCents == 0 {
		e.AmountCents = plan.AmountCents
	}
	if e.Currency == "" {
		e.Currency = plan.Currency
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	return e
}

func (a *attempt) pending(plan *domain.Plan, now time.Time) *domain.PendingCharge {
	return &domain.PendingCharge{
		IdempotencyKey: a.key,
		Kind:           a.kind,
		AmountCents:    plan.AmountCents,
		Currency:       plan.Currency,
		AttemptedAt:    now,
	}
}

func (a *attempt) failureReason() string {
	switch {
	case a.outcome == chargeUnknown:
		return "charge outcome unknown"
	case a.result != nil && a.result.FailureReason != "":
		return a.result.FailureReason
	}
	return "payment declined"
}
