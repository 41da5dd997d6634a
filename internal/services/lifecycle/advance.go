package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/observability"
)

const noPaymentMethod = "no payment method on file"

// Advance evaluates one subscription against the clock and applies at most
// one transition.
func (m *Machine) Advance(ctx context.Context, subscriptionID string, trigger domain.Trigger) (*Result, error) {
	return withConflictRetry(trigger, func() (*Result, error) {
		sub, plan, err := m.load(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		return m.advance(ctx, sub, plan, trigger)
	})
}

func (m *Machine) advance(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, trigger domain.Trigger) (*Result, error) {
	st, err := m.evaluate(ctx, sub, plan, m.now())
	if err != nil {
		return nil, err
	}
	if st == nil {
		return unchanged(sub), nil
	}
	return m.commit(ctx, sub, st, trigger)
}

// evaluate applies the lifecycle rules in priority order and returns nil
// when nothing is due.
func (m *Machine) evaluate(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, now time.Time) (*step, error) {
	switch {
	case sub.IsTerminal():
		return nil, nil
	case domain.IsTrialExpired(sub, now):
		return m.convertTrial(ctx, sub, plan, now)
	case domain.IsPeriodExpired(sub, now):
		return m.renew(ctx, sub, plan, now)
	case domain.IsGraceExpired(sub, now):
		return m.expireGrace(sub, plan, now), nil
	case domain.IsRetryDue(sub, now) && sub.PendingCharge == nil:
		return m.retryDue(ctx, sub, plan, now)
	}
	return nil, nil
}

func (m *Machine) convertTrial(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, now time.Time) (*step, error) {
	if plan.IsFree() {
		st := m.successStep(sub, plan, now, domain.ActivityTrialConverted)
		st.reason = "free plan"
		return st, nil
	}

	since := sub.CreatedAt
	if sub.TrialStart != nil {
		since = *sub.TrialStart
	}
	paid, err := m.repos.Payments.HasSuccessSince(ctx, m.db.Querier(), sub.ID, since)
	if err != nil {
		return nil, fmt.Errorf("check trial payments: %w", err)
	}
	if paid {
		st := m.successStep(sub, plan, now, domain.ActivityTrialConverted)
		st.reason = "payment on file"
		return st, nil
	}

	if !sub.HasAuthorization() {
		next := sub.Clone()
		next.Status = domain.SubscriptionStatusExpired
		next.CancelledAt = domain.TimePtr(now)
		next.CancelReason = "trial ended without a payment method"
		next.NextRetryAt = nil
		return &step{next: next, activity: domain.ActivityExpired, reason: next.CancelReason}, nil
	}

	a, err := m.charge(ctx, sub, plan, domain.ChargeKindTrialConversion, chargeKey(domain.ChargeKindTrialConversion, sub))
	if err != nil {
		return nil, err
	}
	return m.settle(sub, plan, a, now, domain.ActivityTrialConverted), nil
}

func (m *Machine) renew(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, now time.Time) (*step, error) {
	if plan.IsFree() {
		next := sub.Clone()
		rollOver(next, plan, now)
		return &step{next: next, activity: domain.ActivityRenewed, reason: "free plan"}, nil
	}
	if !sub.HasAuthorization() {
		return m.failureStep(sub, plan, noPaymentMethod, now), nil
	}

	a, err := m.charge(ctx, sub, plan, domain.ChargeKindRenewal, chargeKey(domain.ChargeKindRenewal, sub))
	if err != nil {
		return nil, err
	}
	if a.outcome != chargeSucceeded {
		return m.settle(sub, plan, a, now, ""), nil
	}

	next := sub.Clone()
	m.policy(plan).OnPaymentSuccess(next, now)
	rollOver(next, plan, now)
	return &step{
		next:      next,
		activity:  domain.ActivityRenewed,
		payment:   a.entry(sub, plan, now),
		ownCharge: true,
	}, nil
}

func (m *Machine) expireGrace(sub *domain.Subscription, plan *domain.Plan, now time.Time) *step {
	next := sub.Clone()
	next.NextRetryAt = nil
	const reason = "grace period elapsed without payment"

	if sub.Status == domain.SubscriptionStatusPastDue && plan.GraceWindow() > 0 {
		next.Status = domain.SubscriptionStatusGracePeriod
		next.GracePeriodEnd = domain.TimePtr(now.Add(plan.GraceWindow()))
		return &step{next: next, activity: domain.ActivityEnteredGracePeriod, reason: reason}
	}

	cancel(next, reason, now)
	return &step{next: next, activity: domain.ActivityCancelled, reason: reason}
}

func (m *Machine) retryDue(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, now time.Time) (*step, error) {
	st, err := m.dunningAttempt(ctx, sub, plan, now)
	result := "succeeded"
	switch {
	case err != nil:
		result = "error"
	case st.next.Status != domain.SubscriptionStatusActive:
		result = "failed"
	}
	observability.RecordDunningRetry("scheduled", result)
	return st, err
}

// dunningAttempt charges a delinquent subscription once.
func (m *Machine) dunningAttempt(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, now time.Time) (*step, error) {
	if m.policy(plan).Exhausted(sub.FailedPaymentCount) {
		return m.exhaust(sub, plan, now, "retry budget exhausted"), nil
	}
	if !sub.HasAuthorization() {
		return m.failureStep(sub, plan, noPaymentMethod, now), nil
	}

	a, err := m.charge(ctx, sub, plan, domain.ChargeKindDunning, chargeKey(domain.ChargeKindDunning, sub))
	if err != nil {
		return nil, err
	}
	return m.settle(sub, plan, a, now, domain.ActivityReactivated), nil
}

// RetryCharge runs one dunning attempt immediately, ignoring the backoff
// schedule but not the attempt cap. Subscriptions that are not delinquent
// are returned unchanged.
func (m *Machine) RetryCharge(ctx context.Context, subscriptionID string, trigger domain.Trigger) (*domain.Subscription, error) {
	res, err := withConflictRetry(trigger, func() (*Result, error) {
		sub, plan, err := m.load(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.Status != domain.SubscriptionStatusPastDue && sub.Status != domain.SubscriptionStatusGracePeriod {
			return unchanged(sub), nil
		}
		if sub.PendingCharge != nil {
			return nil, domain.Validationf("subscription %s has a charge awaiting reconciliation", sub.ID)
		}
		if m.policy(plan).Exhausted(sub.FailedPaymentCount) {
			return nil, domain.NewDomainError(domain.ErrorCodeRetryBudgetExhausted,
				fmt.Sprintf("subscription %s has used all %d retry attempts", sub.ID, m.policy(plan).MaxAttempts))
		}

		st, err := m.dunningAttempt(ctx, sub, plan, m.now())
		if err != nil {
			return nil, err
		}
		return m.commit(ctx, sub, st, trigger)
	})
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// settle builds the step for a finished or parked provider attempt.
func (m *Machine) settle(sub *domain.Subscription, plan *domain.Plan, a *attempt, now time.Time, onSuccess domain.ActivityType) *step {
	if a.outcome == chargeSucceeded {
		st := m.successStep(sub, plan, now, onSuccess)
		st.payment = a.entry(sub, plan, now)
		st.ownCharge = true
		return st
	}

	st := m.failureStep(sub, plan, a.failureReason(), now)
	if a.outcome == chargeUnknown {
		st.next.PendingCharge = a.pending(plan, now)
	} else {
		st.payment = a.entry(sub, plan, now)
		st.ownCharge = true
	}
	return st
}

// successStep moves sub to ACTIVE with a fresh period starting at paidAt.
func (m *Machine) successStep(sub *domain.Subscription, plan *domain.Plan, paidAt time.Time, activity domain.ActivityType) *step {
	next := sub.Clone()
	m.policy(plan).OnPaymentSuccess(next, paidAt)
	next.Status = domain.SubscriptionStatusActive
	next.StartPeriod(plan, paidAt)
	return &step{next: next, activity: activity}
}

// failureStep counts one failed attempt and moves the status accordingly:
// TRIAL and ACTIVE fall to PAST_DUE, an exhausted PAST_DUE is forced on.
func (m *Machine) failureStep(sub *domain.Subscription, plan *domain.Plan, reason string, now time.Time) *step {
	next := sub.Clone()
	err := m.policy(plan).OnPaymentFailure(next, reason, now)
	exhausted := domain.IsDomainError(err, domain.ErrorCodeRetryBudgetExhausted)

	switch sub.Status {
	case domain.SubscriptionStatusTrial, domain.SubscriptionStatusActive:
		next.Status = domain.SubscriptionStatusPastDue
		return &step{next: next, activity: domain.ActivityPaymentFailed, reason: reason}
	case domain.SubscriptionStatusPastDue:
		if exhausted {
			return m.exhaust(next, plan, now, reason)
		}
	}
	return &step{next: next, reason: reason}
}

// exhaust forces a PAST_DUE subscription whose retries are spent into
// GRACE_PERIOD, or straight to CANCELLED when the plan has no grace.
func (m *Machine) exhaust(sub *domain.Subscription, plan *domain.Plan, now time.Time, reason string) *step {
	next := sub.Clone()
	next.NextRetryAt = nil
	if plan.GraceWindow() > 0 {
		next.Status = domain.SubscriptionStatusGracePeriod
		next.GracePeriodEnd = domain.TimePtr(now.Add(plan.GraceWindow()))
	} else {
		cancel(next, "retry budget exhausted", now)
	}
	m.logger.Warn("retry budget exhausted",
		ports.String("subscription_id", sub.ID),
		ports.Int("failed_payment_count", sub.FailedPaymentCount),
		ports.String("reason", reason))
	return &step{next: next, activity: domain.ActivityRetryBudgetExhausted, reason: reason}
}

func rollOver(sub *domain.Subscription, plan *domain.Plan, now time.Time) {
	sub.RollOver(plan)
	if !sub.CurrentPeriodEnd.After(now) {
		sub.StartPeriod(plan, now)
	}
}

func cancel(sub *domain.Subscription, reason string, now time.Time) {
	sub.Status = domain.SubscriptionStatusCancelled
	sub.CancelledAt = domain.TimePtr(now)
	sub.CancelReason = reason
	sub.NextRetryAt = nil
}
