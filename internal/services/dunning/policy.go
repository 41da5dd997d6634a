// Package dunning decides when a failed payment is retried and when the
// retry budget is spent.
package dunning

import (
	"fmt"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/pkg/resilience"
)

// Policy is the retry schedule of one plan.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	GraceWindow time.Duration
}

// DefaultPolicy is used for whatever a plan leaves unset.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   domain.DefaultRetryBaseDelay,
		MaxDelay:    domain.DefaultRetryMaxDelay,
		MaxAttempts: domain.DefaultMaxRetryAttempts,
	}
}

// PolicyFor reads the plan's dunning settings, falling back to defaults.
func PolicyFor(plan *domain.Plan, defaults Policy) Policy {
	p := Policy{
		BaseDelay:   plan.RetryBaseDelay,
		MaxDelay:    plan.RetryMaxDelay,
		MaxAttempts: plan.MaxRetryAttempts,
		GraceWindow: plan.GraceWindow(),
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	return p
}

// Delay is the wait before retry number count (1-indexed).
func (p Policy) Delay(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	return resilience.DunningBackoff(p.BaseDelay, p.MaxDelay).NextDelay(count - 1)
}

// NextRetryAt is now + min(base * 2^(count-1), max), or the zero time once
// count has reached the attempt cap.
func (p Policy) NextRetryAt(count int, now time.Time) time.Time {
	if p.Exhausted(count) {
		return time.Time{}
	}
	return now.Add(p.Delay(count))
}

// Exhausted reports whether count failures spend the retry budget.
func (p Policy) Exhausted(count int) bool {
	return count >= p.MaxAttempts
}

// OnPaymentFailure records one failed attempt on sub: the counter goes up,
// the grace deadline is set on the first failure and the next retry is
// scheduled. Once the cap is reached no retry is scheduled and the returned
// error is RETRY_BUDGET_EXHAUSTED.
func (p Policy) OnPaymentFailure(sub *domain.Subscription, reason string, now time.Time) error {
	sub.FailedPaymentCount++
	if sub.GracePeriodEnd == nil {
		sub.GracePeriodEnd = domain.TimePtr(now.Add(p.GraceWindow))
	}

	next := p.NextRetryAt(sub.FailedPaymentCount, now)
	if next.IsZero() {
		sub.NextRetryAt = nil
		return domain.NewDomainError(domain.ErrorCodeRetryBudgetExhausted,
			fmt.Sprintf("retry budget of %d attempts exhausted", p.MaxAttempts)).
			WithDetail("subscription_id", sub.ID).
			WithDetail("failed_payment_count", sub.FailedPaymentCount).
			WithDetail("reason", reason)
	}
	sub.NextRetryAt = domain.TimePtr(next)
	return nil
}

// OnPaymentSuccess clears the dunning state after a collected payment.
func (p Policy) OnPaymentSuccess(sub *domain.Subscription, paidAt time.Time) {
	sub.ResetDunning()
	sub.LastPaymentDate = domain.TimePtr(paidAt)
}
