package aggregator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin07696/tenant-billing/internal/adapters/memory"
	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/timeutil"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type seeder struct {
	t     *testing.T
	store *memory.Store
	n     int
}

func (s *seeder) org(status domain.OrganizationStatus) *domain.Organization {
	s.n++
	org := &domain.Organization{
		ID:          fmt.Sprintf("org-%d", s.n),
		Name:        fmt.Sprintf("Org %d", s.n),
		CustomerRef: fmt.Sprintf("cus_%d", s.n),
		Status:      status,
	}
	require.NoError(s.t, s.store.Organizations().Create(context.Background(), nil, org))
	return org
}

func (s *seeder) sub(org *domain.Organization, status domain.SubscriptionStatus, created time.Time) *domain.Subscription {
	sub := &domain.Subscription{
		ID:                 "sub-" + org.ID,
		OrganizationID:     org.ID,
		PlanID:             "pro",
		Status:             status,
		CurrentPeriodStart: created,
		CurrentPeriodEnd:   created.AddDate(0, 1, 0),
		CreatedAt:          created,
	}
	if sub.IsTerminal() {
		sub.CancelledAt = domain.TimePtr(now.Add(-time.Hour))
	}
	require.NoError(s.t, s.store.Subscriptions().Create(context.Background(), nil, sub))
	return sub
}

func (s *seeder) payment(sub *domain.Subscription, ref string, outcome domain.PaymentOutcome, cents int64, at time.Time, refundOf string) *domain.PaymentRecord {
	rec := &domain.PaymentRecord{
		ID:             "pay-" + ref,
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		ProviderRef:    ref,
		Outcome:        outcome,
		AmountCents:    cents,
		Currency:       "USD",
		RefundOfID:     refundOf,
		CreatedAt:      at,
	}
	switch outcome {
	case domain.PaymentOutcomeSuccess:
		rec.PaidAt = domain.TimePtr(at)
	case domain.PaymentOutcomeFailed:
		rec.FailedAt = domain.TimePtr(at)
	case domain.PaymentOutcomeRefunded:
		rec.RefundedAt = domain.TimePtr(at)
	}
	_, _, err := s.store.Payments().Insert(context.Background(), nil, rec)
	require.NoError(s.t, err)
	return rec
}

func newService(t *testing.T) (*Service, *seeder) {
	t.Helper()
	store := memory.NewStore()
	return NewService(store, store.Repositories(), ports.NopLogger{}), &seeder{t: t, store: store}
}

func TestDashboardCountsMatchTabCounts(t *testing.T) {
	svc, seed := newService(t)
	for _, st := range []domain.SubscriptionStatus{
		domain.SubscriptionStatusTrial,
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusPastDue,
		domain.SubscriptionStatusGracePeriod,
		domain.SubscriptionStatusCancelled,
		domain.SubscriptionStatusExpired,
	} {
		seed.sub(seed.org(domain.OrganizationStatusActive), st, now.AddDate(0, 0, -5))
	}

	dash, err := svc.DashboardStats(context.Background(), now)
	require.NoError(t, err)
	tabs, err := svc.TabCounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, *tabs, dash.Counts)
	assert.Equal(t, 7, tabs.All)
	assert.Equal(t, 2, tabs.Active)
	assert.Equal(t, 7, dash.NewSubscriptions)
}

func TestDashboardRevenueIsNetOfRefunds(t *testing.T) {
	svc, seed := newService(t)
	sub := seed.sub(seed.org(domain.OrganizationStatusActive), domain.SubscriptionStatusActive, now.AddDate(0, -2, 0))

	seed.payment(sub, "ch_old", domain.PaymentOutcomeSuccess, 4000, now.AddDate(0, 0, -45), "")
	charge := seed.payment(sub, "ch_new", domain.PaymentOutcomeSuccess, 5000, now.AddDate(0, 0, -10), "")
	seed.payment(sub, "re_new", domain.PaymentOutcomeRefunded, 2000, now.AddDate(0, 0, -9), charge.ID)
	seed.payment(sub, "ch_fail", domain.PaymentOutcomeFailed, 5000, now.AddDate(0, 0, -8), "")

	dash, err := svc.DashboardStats(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, dash.MonthlyRevenue, 1)
	assert.Equal(t, int64(3000), dash.MonthlyRevenue[0].Cents)
	assert.Equal(t, "30.00 USD", dash.MonthlyRevenue[0].Display)
	require.Len(t, dash.TotalRevenue, 1)
	assert.Equal(t, int64(7000), dash.TotalRevenue[0].Cents)
	assert.Equal(t, "-25", dash.RevenueGrowth["USD"].String())
}

func TestRecentActivity_ClampsLimit(t *testing.T) {
	svc, seed := newService(t)
	sub := seed.sub(seed.org(domain.OrganizationStatusActive), domain.SubscriptionStatusActive, now)
	for i := 0; i < 120; i++ {
		seed.payment(sub, fmt.Sprintf("ch_%03d", i), domain.PaymentOutcomeSuccess, 100, now.Add(time.Duration(i)*time.Minute), "")
	}

	feed, err := svc.RecentActivity(context.Background(), 500)
	require.NoError(t, err)
	assert.Len(t, feed, 100)
	assert.Equal(t, now.Add(119*time.Minute), feed[0].OccurredAt)

	feed, err = svc.RecentActivity(context.Background(), -3)
	require.NoError(t, err)
	assert.Len(t, feed, 1)
	assert.Equal(t, domain.ActivityPaymentSucceeded, feed[0].Type)
}

func TestSubscriptionAnalytics_RefundNetsToZero(t *testing.T) {
	svc, seed := newService(t)
	sub := seed.sub(seed.org(domain.OrganizationStatusActive), domain.SubscriptionStatusActive, now.AddDate(0, 0, -3))
	charge := seed.payment(sub, "ch_1", domain.PaymentOutcomeSuccess, 2999, now.AddDate(0, 0, -3), "")
	seed.payment(sub, "re_1", domain.PaymentOutcomeRefunded, 2999, now.AddDate(0, 0, -2), charge.ID)

	a, err := svc.SubscriptionAnalytics(context.Background(), "week", now)
	require.NoError(t, err)

	require.Len(t, a.BySubscription, 1)
	assert.Equal(t, sub.ID, a.BySubscription[0].SubscriptionID)
	assert.Zero(t, a.BySubscription[0].NetCents)
	assert.Equal(t, int64(2999), a.Gross[0].Cents)
	assert.Equal(t, int64(2999), a.Refunded[0].Cents)
	assert.Zero(t, a.Net[0].Cents)
	assert.Equal(t, 1, a.NewSubscriptions)
}

func TestAnalyticsWindow(t *testing.T) {
	w, err := AnalyticsWindow("quarter", now)
	require.NoError(t, err)
	assert.Equal(t, timeutil.Window{From: now.AddDate(0, -3, 0), To: now}, w)

	_, err = AnalyticsWindow("decade", now)
	assert.True(t, domain.IsValidationError(err))
}

func TestOrganizationStats(t *testing.T) {
	svc, seed := newService(t)
	seed.sub(seed.org(domain.OrganizationStatusActive), domain.SubscriptionStatusActive, now)
	seed.sub(seed.org(domain.OrganizationStatusSuspended), domain.SubscriptionStatusGracePeriod, now)
	seed.sub(seed.org(domain.OrganizationStatusActive), domain.SubscriptionStatusCancelled, now)
	seed.org(domain.OrganizationStatusActive)

	stats, err := svc.OrganizationStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OrganizationStats{
		Total:                   4,
		Active:                  3,
		Suspended:               1,
		WithLiveSubscription:    2,
		WithoutLiveSubscription: 2,
	}, *stats)
}

func TestOrganizationSubscriptionStatus(t *testing.T) {
	svc, seed := newService(t)
	ctx := context.Background()

	trialOrg := seed.org(domain.OrganizationStatusActive)
	trial := &domain.Subscription{
		ID:             "sub-trial",
		OrganizationID: trialOrg.ID,
		Status:         domain.SubscriptionStatusTrial,
		TrialEnd:       domain.TimePtr(now.Add(60 * time.Hour)),
		CreatedAt:      now,
	}
	require.NoError(t, seed.store.Subscriptions().Create(ctx, nil, trial))

	view, err := svc.OrganizationSubscriptionStatus(ctx, trialOrg.ID, now)
	require.NoError(t, err)
	assert.True(t, view.HasActiveSubscription)
	assert.False(t, view.IsInGracePeriod)
	require.NotNil(t, view.DaysUntilExpiry)
	assert.Equal(t, 3, *view.DaysUntilExpiry)
	assert.Equal(t, ports.AccessFull, view.Access)

	graceOrg := seed.org(domain.OrganizationStatusSuspended)
	seed.sub(graceOrg, domain.SubscriptionStatusGracePeriod, now)
	view, err = svc.OrganizationSubscriptionStatus(ctx, graceOrg.ID, now)
	require.NoError(t, err)
	assert.True(t, view.IsInGracePeriod)
	assert.False(t, view.OrganizationEnabled)
	assert.Equal(t, ports.AccessNone, view.Access)

	empty := seed.org(domain.OrganizationStatusActive)
	view, err = svc.OrganizationSubscriptionStatus(ctx, empty.ID, now)
	require.NoError(t, err)
	assert.Nil(t, view.Subscription)
	assert.False(t, view.HasActiveSubscription)

	_, err = svc.OrganizationSubscriptionStatus(ctx, "missing", now)
	assert.True(t, domain.IsNotFoundError(err))
}
