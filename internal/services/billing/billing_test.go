package billing

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
	"github.com/kevin07696/tenant-billing/internal/services/lifecycle"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type recordingGate struct {
	mu   sync.Mutex
	sent []ports.StatusNotification
}

func (g *recordingGate) Notify(_ context.Context, n ports.StatusNotification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, n)
	return nil
}

func (g *recordingGate) notifications() []ports.StatusNotification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ports.StatusNotification(nil), g.sent...)
}

type env struct {
	svc      *Service
	store    *memory.Store
	provider *sandbox.Provider
	gate     *recordingGate
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	repos := store.Repositories()
	clock := ports.ClockFunc(func() time.Time { return testNow })
	provider := sandbox.New(clock.Now)

	ledgerSvc := ledger.NewService(store, repos.Payments, clock, ports.NopLogger{})
	machine := lifecycle.NewMachine(store, repos, ledgerSvc, provider, nil, clock, dunning.DefaultPolicy(), ports.NopLogger{})
	manager := dunning.NewManager(store, repos.Subscriptions, ledgerSvc, machine, ports.NopLogger{})

	gate := &recordingGate{}
	return &env{
		svc:      NewService(store, repos, machine, manager, provider, gate, clock, ports.NopLogger{}),
		store:    store,
		provider: provider,
		gate:     gate,
	}
}

func (e *env) plan(t *testing.T, trialDays int) *domain.Plan {
	t.Helper()
	p, err := e.svc.CreatePlan(context.Background(), CreatePlanInput{
		Name: "Team", Amount: "30.00", Currency: "usd", Interval: "month", TrialDays: trialDays,
	})
	require.NoError(t, err)
	return p
}

func (e *env) org(t *testing.T, ref string) *domain.Organization {
	t.Helper()
	o, err := e.svc.CreateOrganization(context.Background(), CreateOrganizationInput{Name: "Org " + ref, CustomerRef: ref})
	require.NoError(t, err)
	return o
}

func TestCreatePlan_AppliesDefaults(t *testing.T) {
	e := newEnv(t)
	p := e.plan(t, 0)

	assert.Equal(t, int64(3000), p.AmountCents)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, 1, p.IntervalCount)
	assert.Equal(t, domain.DefaultGraceDays, p.GraceDays)
	assert.Equal(t, domain.DefaultMaxRetryAttempts, p.MaxRetryAttempts)
	assert.NotEmpty(t, p.ID)
}

func TestCreatePlan_RejectsBadInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.CreatePlan(ctx, CreatePlanInput{Name: "x", Amount: "abc", Currency: "USD", Interval: "month"})
	assert.True(t, domain.IsValidationError(err))

	_, err = e.svc.CreatePlan(ctx, CreatePlanInput{Name: "x", Amount: "1.00", Currency: "USD", Interval: "fortnight"})
	assert.True(t, domain.IsValidationError(err))

	_, err = e.svc.CreatePlan(ctx, CreatePlanInput{Name: "x", Amount: "1.00", Currency: "USD", Interval: "month", RetryBaseDelay: "soon"})
	assert.True(t, domain.IsValidationError(err))
}

func TestCreateOrganization_RequiresFields(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.CreateOrganization(context.Background(), CreateOrganizationInput{Name: " ", CustomerRef: "cus_1"})
	assert.True(t, domain.IsValidationError(err))
	_, err = e.svc.CreateOrganization(context.Background(), CreateOrganizationInput{Name: "Acme"})
	assert.True(t, domain.IsValidationError(err))
}

func TestDisableOrganization_IsIdempotentAndLeavesBillingAlone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.plan(t, 14)
	o := e.org(t, "cus_1")
	sub, err := e.svc.CreateOrganizationSubscription(ctx, o.ID, CreateSubscriptionInput{PlanID: p.ID})
	require.NoError(t, err)

	got, err := e.svc.DisableOrganization(ctx, o.ID, "abuse")
	require.NoError(t, err)
	assert.False(t, got.IsEnabled())
	assert.Equal(t, "abuse", got.DisabledReason)

	again, err := e.svc.DisableOrganization(ctx, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "abuse", again.DisabledReason)
	assert.Equal(t, got.DisabledAt, again.DisabledAt)

	cur, err := e.svc.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusTrial, cur.Status)

	enabled, err := e.svc.EnableOrganization(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, enabled.IsEnabled())
}

func TestDisableOrganization_NotifiesGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.plan(t, 14)
	o := e.org(t, "cus_1")
	sub, err := e.svc.CreateOrganizationSubscription(ctx, o.ID, CreateSubscriptionInput{PlanID: p.ID})
	require.NoError(t, err)

	_, err = e.svc.DisableOrganization(ctx, o.ID, " abuse ")
	require.NoError(t, err)
	// Repeats that change nothing stay quiet.
	_, err = e.svc.DisableOrganization(ctx, o.ID, "")
	require.NoError(t, err)
	_, err = e.svc.EnableOrganization(ctx, o.ID)
	require.NoError(t, err)
	_, err = e.svc.EnableOrganization(ctx, o.ID)
	require.NoError(t, err)

	sent := e.gate.notifications()
	require.Len(t, sent, 2)

	assert.Equal(t, o.ID, sent[0].OrganizationID)
	assert.Equal(t, domain.OrganizationStatusSuspended, sent[0].OrganizationStatus)
	assert.Equal(t, ports.AccessNone, sent[0].Access)
	assert.Equal(t, "abuse", sent[0].Reason)
	assert.Equal(t, sub.ID, sent[0].SubscriptionID)
	assert.Equal(t, domain.SubscriptionStatusTrial, sent[0].Status)

	assert.Equal(t, domain.OrganizationStatusActive, sent[1].OrganizationStatus)
	assert.Equal(t, ports.AccessFull, sent[1].Access)
}

func TestCreateSubscription_ResolvesCustomer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.plan(t, 14)
	o := e.org(t, "cus_acme")

	sub, err := e.svc.CreateSubscription(ctx, CreateSubscriptionInput{CustomerID: "cus_acme", PlanID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, o.ID, sub.OrganizationID)
	assert.Equal(t, domain.SubscriptionStatusTrial, sub.Status)

	_, err = e.svc.CreateSubscription(ctx, CreateSubscriptionInput{CustomerID: "cus_missing", PlanID: p.ID})
	assert.True(t, domain.IsNotFoundError(err))

	_, err = e.svc.CreateSubscription(ctx, CreateSubscriptionInput{CustomerID: "cus_acme"})
	assert.True(t, domain.IsValidationError(err))
}

func TestListOrganizations_IncludesLatestSubscription(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.plan(t, 14)
	withSub := e.org(t, "cus_a")
	e.org(t, "cus_b")
	_, err := e.svc.CreateOrganizationSubscription(ctx, withSub.ID, CreateSubscriptionInput{PlanID: p.ID})
	require.NoError(t, err)

	rows, total, err := e.svc.ListOrganizations(ctx, ports.OrganizationFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, rows, 2)

	subs := map[string]*domain.Subscription{}
	for _, r := range rows {
		subs[r.ID] = r.Subscription
	}
	require.NotNil(t, subs[withSub.ID])
	assert.Equal(t, p.ID, subs[withSub.ID].PlanID)
}

func TestOrganizationDetails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.plan(t, 0)
	o := e.org(t, "cus_a")

	bare, err := e.svc.OrganizationDetails(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, bare.Subscription)
	assert.Empty(t, bare.RecentPayments)

	_, err = e.svc.CreateOrganizationSubscription(ctx, o.ID, CreateSubscriptionInput{PlanID: p.ID, AuthorizationCode: "pm_visa"})
	require.NoError(t, err)

	d, err := e.svc.OrganizationDetails(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, d.Subscription)
	assert.Equal(t, p.ID, d.Plan.ID)
	assert.Len(t, d.RecentPayments, 1)
	assert.Len(t, d.History, 1)

	_, err = e.svc.OrganizationDetails(ctx, "missing")
	assert.True(t, domain.IsNotFoundError(err))
}

func TestRefundPayment_OnlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.plan(t, 0)
	o := e.org(t, "cus_a")
	sub, err := e.svc.CreateOrganizationSubscription(ctx, o.ID, CreateSubscriptionInput{PlanID: p.ID, AuthorizationCode: "pm_visa"})
	require.NoError(t, err)

	recs, total, err := e.svc.ListPayments(ctx, ports.PaymentFilter{SubscriptionID: sub.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	charge := recs[0]

	refund, err := e.svc.RefundPayment(ctx, charge.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentOutcomeRefunded, refund.Outcome)
	assert.Equal(t, charge.ID, refund.RefundOfID)
	assert.Equal(t, charge.AmountCents, refund.AmountCents)

	_, err = e.svc.RefundPayment(ctx, charge.ID, "")
	assert.True(t, domain.IsValidationError(err))

	_, err = e.svc.RefundPayment(ctx, refund.ID, "")
	assert.True(t, domain.IsValidationError(err), "a refund is not itself refundable")

	cur, err := e.svc.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, cur.Status, "refunds never move the lifecycle")
}

func TestRetryFailedPayment_RequiresFailedRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.plan(t, 0)
	o := e.org(t, "cus_a")
	sub, err := e.svc.CreateOrganizationSubscription(ctx, o.ID, CreateSubscriptionInput{PlanID: p.ID, AuthorizationCode: "pm_visa"})
	require.NoError(t, err)

	recs, _, err := e.svc.ListPayments(ctx, ports.PaymentFilter{SubscriptionID: sub.ID})
	require.NoError(t, err)
	_, err = e.svc.RetryFailedPayment(ctx, recs[0].ID)
	assert.True(t, domain.IsValidationError(err))

	_, err = e.svc.RetryFailedPayment(ctx, "missing")
	assert.True(t, domain.IsNotFoundError(err))

	failed, total, err := e.svc.FailedPayments(ctx, ports.PaymentFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, failed)
}
