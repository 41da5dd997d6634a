package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/ledger"
)

// ApplyPayment records an external payment outcome and applies whatever
// transition it implies in the same transaction. A provider reference that
// is already on file changes nothing and returns the current subscription.
func (m *Machine) ApplyPayment(ctx context.Context, ev ports.PaymentEvent, trigger domain.Trigger) (*Result, error) {
	if ev.ProviderRef == "" {
		return nil, domain.Validationf("payment event has no provider reference")
	}
	if !ev.Outcome.Valid() {
		return nil, domain.Validationf("unknown payment outcome %q", ev.Outcome)
	}

	subscriptionID := ev.SubscriptionID
	var original *domain.PaymentRecord
	if ev.Outcome == domain.PaymentOutcomeRefunded {
		if ev.RefundOfRef == "" {
			return nil, domain.Validationf("refund event does not name the refunded charge")
		}
		var err error
		original, err = m.repos.Payments.GetByProviderRef(ctx, m.db.Querier(), ev.RefundOfRef)
		if err != nil {
			return nil, fmt.Errorf("find refunded charge %s: %w", ev.RefundOfRef, err)
		}
		subscriptionID = original.SubscriptionID
	}
	if subscriptionID == "" {
		return nil, domain.Validationf("payment event %s does not name a subscription", ev.ProviderRef)
	}

	return withConflictRetry(trigger, func() (*Result, error) {
		sub, plan, err := m.load(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}

		st := m.paymentStep(sub, plan, ev, original, m.now())
		res, err := m.commit(ctx, sub, st, trigger)
		if errors.Is(err, errDuplicate) {
			m.logger.Info("payment event already applied",
				ports.String("subscription_id", sub.ID),
				ports.String("provider_ref", ev.ProviderRef))
			if matchesPending(sub, ev.IdempotencyKey) {
				next := sub.Clone()
				next.PendingCharge = nil
				return m.commit(ctx, sub, &step{next: next}, trigger)
			}
			return unchanged(sub), nil
		}
		return res, err
	})
}

func (m *Machine) paymentStep(sub *domain.Subscription, plan *domain.Plan, ev ports.PaymentEvent, original *domain.PaymentRecord, now time.Time) *step {
	occurred := ev.OccurredAt.UTC()
	if ev.OccurredAt.IsZero() {
		occurred = now
	}

	entry := &ledger.Entry{
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		ProviderRef:    ev.ProviderRef,
		IdempotencyKey: ev.IdempotencyKey,
		AmountCents:    ev.AmountCents,
		Currency:       strings.ToUpper(ev.Currency),
		FailureReason:  ev.FailureReason,
		Outcome:        ev.Outcome,
		OccurredAt:     occurred,
	}
	if entry.Currency == "" {
		entry.Currency = plan.Currency
	}
	if entry.AmountCents == 0 && ev.Outcome != domain.PaymentOutcomeRefunded {
		entry.AmountCents = plan.AmountCents
	}

	pendingMatch := matchesPending(sub, ev.IdempotencyKey)

	var st *step
	switch ev.Outcome {
	case domain.PaymentOutcomeRefunded:
		entry.RefundOfID = original.ID
		if entry.AmountCents == 0 {
			entry.AmountCents = original.AmountCents
		}
		st = &step{next: sub.Clone()}

	case domain.PaymentOutcomeSuccess:
		st = m.successEvent(sub, plan, ev, occurred, now)

	case domain.PaymentOutcomeFailed:
		switch {
		case pendingMatch:
			// Already counted when the attempt timed out.
			next := sub.Clone()
			next.PendingCharge = nil
			st = &step{next: next}
		case paymentDue(sub, now):
			st = m.failureStep(sub, plan, entry.FailureReason, now)
		default:
			st = &step{next: sub.Clone()}
		}
	}

	if pendingMatch {
		// Settles the parked attempt whatever the status, terminal included.
		st.next.PendingCharge = nil
	}
	st.payment = entry
	return st
}

func matchesPending(sub *domain.Subscription, idempotencyKey string) bool {
	return sub.PendingCharge != nil && idempotencyKey != "" &&
		idempotencyKey == sub.PendingCharge.IdempotencyKey
}

func (m *Machine) successEvent(sub *domain.Subscription, plan *domain.Plan, ev ports.PaymentEvent, paidAt, now time.Time) *step {
	switch sub.Status {
	case domain.SubscriptionStatusTrial:
		return m.successStep(sub, plan, paidAt, domain.ActivityTrialConverted)
	case domain.SubscriptionStatusPastDue, domain.SubscriptionStatusGracePeriod:
		return m.successStep(sub, plan, paidAt, domain.ActivityReactivated)
	case domain.SubscriptionStatusActive:
		next := sub.Clone()
		if domain.IsPeriodExpired(sub, now) && ev.IdempotencyKey == chargeKey(domain.ChargeKindRenewal, sub) {
			// The provider confirmed our renewal before the sweep committed it.
			m.policy(plan).OnPaymentSuccess(next, paidAt)
			rollOver(next, plan, now)
			return &step{next: next, activity: domain.ActivityRenewed}
		}
		next.LastPaymentDate = domain.TimePtr(paidAt)
		return &step{next: next}
	}

	m.logger.Warn("payment received for a terminal subscription",
		ports.String("subscription_id", sub.ID),
		ports.String("status", string(sub.Status)),
		ports.String("provider_ref", ev.ProviderRef))
	return &step{next: sub.Clone()}
}

// paymentDue reports whether a failed payment at now should count against
// the dunning budget.
func paymentDue(sub *domain.Subscription, now time.Time) bool {
	return sub.Status == domain.SubscriptionStatusPastDue ||
		domain.IsTrialExpired(sub, now) ||
		domain.IsPeriodExpired(sub, now)
}

// ResolvePending clears a parked charge the provider never received so
// scheduled retries can resume. A key that no longer matches is ignored.
func (m *Machine) ResolvePending(ctx context.Context, subscriptionID, idempotencyKey string, trigger domain.Trigger) (*Result, error) {
	return withConflictRetry(trigger, func() (*Result, error) {
		sub, _, err := m.load(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.PendingCharge == nil || sub.PendingCharge.IdempotencyKey != idempotencyKey {
			return unchanged(sub), nil
		}
		next := sub.Clone()
		next.PendingCharge = nil
		return m.commit(ctx, sub, &step{next: next}, trigger)
	})
}
