package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin07696/tenant-billing/internal/adapters/memory"
	"github.com/kevin07696/tenant-billing/internal/adapters/sandbox"
	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/dunning"
	"github.com/kevin07696/tenant-billing/internal/services/ledger"
)

var april1 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeGate struct {
	mu   sync.Mutex
	sent []ports.StatusNotification
}

func (g *fakeGate) Notify(_ context.Context, n ports.StatusNotification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, n)
	return nil
}

func (g *fakeGate) statuses() []domain.SubscriptionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.SubscriptionStatus, 0, len(g.sent))
	for _, n := range g.sent {
		out = append(out, n.Status)
	}
	return out
}

type fixture struct {
	store    *memory.Store
	provider *sandbox.Provider
	clock    *testClock
	gate     *fakeGate
	machine  *Machine
	org      *domain.Organization
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	clock := &testClock{now: april1}
	provider := sandbox.New(clock.Now)
	gate := &fakeGate{}
	repos := store.Repositories()
	ledgerSvc := ledger.NewService(store, repos.Payments, clock, ports.NopLogger{})

	policy := dunning.Policy{
		BaseDelay:   24 * time.Hour,
		MaxDelay:    72 * time.Hour,
		MaxAttempts: 4,
		GraceWindow: 7 * 24 * time.Hour,
	}
	m := NewMachine(store, repos, ledgerSvc, provider, gate, clock, policy, ports.NopLogger{})

	org := &domain.Organization{
		ID:          "org-1",
		Name:        "Acme",
		CustomerRef: "cus_acme",
		Status:      domain.OrganizationStatusActive,
		CreatedAt:   april1,
		UpdatedAt:   april1,
	}
	require.NoError(t, repos.Organizations.Create(context.Background(), nil, org))

	return &fixture{store: store, provider: provider, clock: clock, gate: gate, machine: m, org: org}
}

func (f *fixture) addPlan(t *testing.T, id string, amount int64, trialDays, graceDays int) *domain.Plan {
	t.Helper()
	plan := &domain.Plan{
		ID:            id,
		Name:          "Plan " + id,
		AmountCents:   amount,
		Currency:      "USD",
		Interval:      domain.IntervalUnitMonth,
		IntervalCount: 1,
		TrialDays:     trialDays,
		GraceDays:     graceDays,
		Active:        true,
		CreatedAt:     april1,
	}
	plan.ApplyDefaults()
	require.NoError(t, f.store.Plans().Create(context.Background(), nil, plan))
	return plan
}

func (f *fixture) create(t *testing.T, planID, auth string) *domain.Subscription {
	t.Helper()
	sub, err := f.machine.Create(context.Background(), CreateInput{
		OrganizationID:    f.org.ID,
		PlanID:            planID,
		AuthorizationCode: auth,
	})
	require.NoError(t, err)
	return sub
}

func (f *fixture) advanceAt(t *testing.T, id string, at time.Time) *Result {
	t.Helper()
	f.clock.Set(at)
	res, err := f.machine.Advance(context.Background(), id, domain.TriggerSweep)
	require.NoError(t, err)
	return res
}

func (f *fixture) payments(t *testing.T, subID string) []*domain.PaymentRecord {
	t.Helper()
	recs, err := f.store.Payments().List(context.Background(), nil, ports.PaymentFilter{SubscriptionID: subID})
	require.NoError(t, err)
	return recs
}

func TestTrialDeclinedThenRecoveredByRetry(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "pro", 2999, 14, 7)

	sub := f.create(t, "pro", "pm_visa")
	assert.Equal(t, domain.SubscriptionStatusTrial, sub.Status)
	assert.Equal(t, april1.AddDate(0, 0, 14), *sub.TrialEnd)

	f.provider.Script(sub.ID, sandbox.Decline)
	res := f.advanceAt(t, sub.ID, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, domain.SubscriptionStatusPastDue, res.To)
	assert.Equal(t, domain.ActivityPaymentFailed, res.Activity)
	assert.Equal(t, 1, res.Subscription.FailedPaymentCount)
	require.NotNil(t, res.Subscription.NextRetryAt)
	assert.Equal(t, time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC), *res.Subscription.NextRetryAt)

	april17 := time.Date(2026, 4, 17, 0, 0, 0, 0, time.UTC)
	res = f.advanceAt(t, sub.ID, april17)
	assert.Equal(t, domain.SubscriptionStatusActive, res.To)
	assert.Equal(t, domain.ActivityReactivated, res.Activity)
	assert.Equal(t, april17, res.Subscription.CurrentPeriodStart)
	assert.Equal(t, time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC), res.Subscription.CurrentPeriodEnd)
	assert.Zero(t, res.Subscription.FailedPaymentCount)
	assert.Nil(t, res.Subscription.NextRetryAt)
	assert.Nil(t, res.Subscription.GracePeriodEnd)

	recs := f.payments(t, sub.ID)
	require.Len(t, recs, 2)
	outcomes := []domain.PaymentOutcome{recs[0].Outcome, recs[1].Outcome}
	assert.ElementsMatch(t, []domain.PaymentOutcome{domain.PaymentOutcomeFailed, domain.PaymentOutcomeSuccess}, outcomes)

	history, err := f.store.Transitions().ListBySubscription(context.Background(), nil, sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.ActivitySubscriptionCreated, history[0].Activity)
}

func TestRenewal_JustAfterPeriodEnd(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "basic", 1000, 0, 7)

	sub := f.create(t, "basic", "pm_visa")
	require.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	require.Len(t, f.payments(t, sub.ID), 1)

	periodEnd := sub.CurrentPeriodEnd
	res := f.advanceAt(t, sub.ID, periodEnd.Add(time.Minute))

	assert.Equal(t, domain.ActivityRenewed, res.Activity)
	assert.Equal(t, domain.SubscriptionStatusActive, res.To)
	assert.Equal(t, periodEnd, res.Subscription.CurrentPeriodStart)
	assert.Equal(t, periodEnd.AddDate(0, 1, 0), res.Subscription.CurrentPeriodEnd)
	assert.Zero(t, res.Subscription.FailedPaymentCount)
	assert.Len(t, f.payments(t, sub.ID), 2)

	// A second sweep at the same instant has nothing to do.
	again := f.advanceAt(t, sub.ID, periodEnd.Add(time.Minute))
	assert.False(t, again.Changed)
}

func TestPastDueToGraceToCancelled(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "basic", 1000, 0, 7)

	sub := f.create(t, "basic", "pm_visa")
	f.provider.SetDefault(sandbox.Decline)

	res := f.advanceAt(t, sub.ID, sub.CurrentPeriodEnd)
	require.Equal(t, domain.SubscriptionStatusPastDue, res.To)
	graceEnd := *res.Subscription.GracePeriodEnd

	res = f.advanceAt(t, sub.ID, graceEnd.Add(time.Second))
	require.Equal(t, domain.SubscriptionStatusGracePeriod, res.To)
	assert.Equal(t, domain.ActivityEnteredGracePeriod, res.Activity)

	res = f.advanceAt(t, sub.ID, res.Subscription.GracePeriodEnd.Add(time.Second))
	assert.Equal(t, domain.SubscriptionStatusCancelled, res.To)
	require.NotNil(t, res.Subscription.CancelledAt)

	assert.Equal(t, []domain.SubscriptionStatus{
		domain.SubscriptionStatusGracePeriod,
		domain.SubscriptionStatusCancelled,
	}, f.gate.statuses())

	final := f.advanceAt(t, sub.ID, res.Subscription.CancelledAt.AddDate(1, 0, 0))
	assert.False(t, final.Changed)
}

func TestGraceExpiry_IsStrict(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "basic", 1000, 0, 7)
	sub := f.create(t, "basic", "pm_visa")
	f.provider.SetDefault(sandbox.Decline)

	res := f.advanceAt(t, sub.ID, sub.CurrentPeriodEnd)
	require.Equal(t, domain.SubscriptionStatusPastDue, res.To)

	atDeadline := f.advanceAt(t, sub.ID, *res.Subscription.GracePeriodEnd)
	assert.NotEqual(t, domain.SubscriptionStatusGracePeriod, atDeadline.To)
}

func TestExpiredTrialWithoutPaymentMethod(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "pro", 2999, 14, 7)
	sub := f.create(t, "pro", "")

	res := f.advanceAt(t, sub.ID, *sub.TrialEnd)
	assert.Equal(t, domain.SubscriptionStatusExpired, res.To)
	assert.Equal(t, domain.ActivityExpired, res.Activity)
	assert.Empty(t, f.provider.Charges())
}

func TestCreate_RejectsSecondLiveSubscription(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "pro", 2999, 14, 7)
	f.create(t, "pro", "pm_visa")

	_, err := f.machine.Create(context.Background(), CreateInput{OrganizationID: f.org.ID, PlanID: "pro"})
	assert.True(t, domain.IsValidationError(err))
}

func TestCreate_DeclinedInitialChargeCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "basic", 1000, 0, 7)

	_, err := f.machine.Create(context.Background(), CreateInput{
		OrganizationID:    f.org.ID,
		PlanID:            "basic",
		AuthorizationCode: sandbox.DeclineMethod,
	})
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeProviderError))

	n, err := f.store.Subscriptions().CountLiveByOrganization(context.Background(), nil, f.org.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreate_PaidPlanRequiresAuthorization(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "basic", 1000, 0, 7)

	_, err := f.machine.Create(context.Background(), CreateInput{OrganizationID: f.org.ID, PlanID: "basic"})
	assert.True(t, domain.IsValidationError(err))
}

func TestApplyPayment_ReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "pro", 2999, 14, 7)
	sub := f.create(t, "pro", "pm_visa")
	f.clock.Set(april1.Add(time.Hour))

	ev := ports.PaymentEvent{
		EventID:        "evt_1",
		ProviderRef:    "ch_ext_1",
		SubscriptionID: sub.ID,
		Outcome:        domain.PaymentOutcomeSuccess,
		AmountCents:    2999,
		Currency:       "usd",
		OccurredAt:     april1.Add(time.Hour),
	}

	first, err := f.machine.ApplyPayment(context.Background(), ev, domain.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, first.To)
	assert.Equal(t, domain.ActivityTrialConverted, first.Activity)

	for i := 0; i < 3; i++ {
		again, err := f.machine.ApplyPayment(context.Background(), ev, domain.TriggerWebhook)
		require.NoError(t, err)
		assert.False(t, again.Changed)
		assert.Equal(t, first.Subscription.Version, again.Subscription.Version)
	}
	assert.Len(t, f.payments(t, sub.ID), 1)
}

func TestApplyPayment_RefundLinksOriginal(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "basic", 1000, 0, 7)
	sub := f.create(t, "basic", "pm_visa")
	original := f.payments(t, sub.ID)[0]

	res, err := f.machine.ApplyPayment(context.Background(), ports.PaymentEvent{
		ProviderRef: "re_1",
		RefundOfRef: original.ProviderRef,
		Outcome:     domain.PaymentOutcomeRefunded,
	}, domain.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, res.To)

	refund, err := f.store.Payments().FindRefundOf(context.Background(), nil, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original.AmountCents, refund.AmountCents)
	assert.Equal(t, "USD", refund.Currency)
}

func TestTimeoutParksPendingCharge(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "pro", 2999, 14, 7)
	sub := f.create(t, "pro", "pm_visa")

	f.provider.Script(sub.ID, sandbox.Timeout)
	res := f.advanceAt(t, sub.ID, *sub.TrialEnd)
	require.Equal(t, domain.SubscriptionStatusPastDue, res.To)
	require.NotNil(t, res.Subscription.PendingCharge)
	assert.Equal(t, 1, res.Subscription.FailedPaymentCount)
	assert.Empty(t, f.payments(t, sub.ID))

	key := res.Subscription.PendingCharge.IdempotencyKey
	retryAt := *res.Subscription.NextRetryAt

	// Retries wait for the parked attempt.
	held := f.advanceAt(t, sub.ID, retryAt)
	assert.False(t, held.Changed)

	cleared, err := f.machine.ResolvePending(context.Background(), sub.ID, key, domain.TriggerReconcile)
	require.NoError(t, err)
	assert.Nil(t, cleared.Subscription.PendingCharge)

	recovered := f.advanceAt(t, sub.ID, retryAt)
	assert.Equal(t, domain.SubscriptionStatusActive, recovered.To)
}

func TestApplyPayment_FailedMatchingPendingIsNotCountedTwice(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "pro", 2999, 14, 7)
	sub := f.create(t, "pro", "pm_visa")

	f.provider.Script(sub.ID, sandbox.Timeout)
	res := f.advanceAt(t, sub.ID, *sub.TrialEnd)
	key := res.Subscription.PendingCharge.IdempotencyKey

	applied, err := f.machine.ApplyPayment(context.Background(), ports.PaymentEvent{
		ProviderRef:    "ch_late",
		SubscriptionID: sub.ID,
		IdempotencyKey: key,
		Outcome:        domain.PaymentOutcomeFailed,
		FailureReason:  "card_declined",
	}, domain.TriggerReconcile)
	require.NoError(t, err)
	assert.Equal(t, 1, applied.Subscription.FailedPaymentCount)
	assert.Nil(t, applied.Subscription.PendingCharge)
	assert.Len(t, f.payments(t, sub.ID), 1)
}

func TestRetryCharge_ExhaustedBudget(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "basic", 1000, 0, 7)
	sub := f.create(t, "basic", "pm_visa")
	f.provider.SetDefault(sandbox.Decline)

	res := f.advanceAt(t, sub.ID, sub.CurrentPeriodEnd)
	require.Equal(t, domain.SubscriptionStatusPastDue, res.To)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		got, err := f.machine.RetryCharge(ctx, sub.ID, domain.TriggerRetry)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusPastDue, got.Status)
	}

	// The fourth failure spends the budget and forces the grace period.
	got, err := f.machine.RetryCharge(ctx, sub.ID, domain.TriggerRetry)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusGracePeriod, got.Status)
	assert.Equal(t, 4, got.FailedPaymentCount)

	_, err = f.machine.RetryCharge(ctx, sub.ID, domain.TriggerRetry)
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeRetryBudgetExhausted))
}

func TestCancel_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "pro", 2999, 14, 7)
	sub := f.create(t, "pro", "pm_visa")

	cancelled, err := f.machine.Cancel(context.Background(), sub.ID, "customer request", domain.TriggerAdmin)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCancelled, cancelled.Status)
	assert.Equal(t, "customer request", cancelled.CancelReason)

	again, err := f.machine.Cancel(context.Background(), sub.ID, "other", domain.TriggerAdmin)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)
	assert.Equal(t, "customer request", again.CancelReason)

	// The slot is free again.
	f.create(t, "pro", "pm_visa")
}
