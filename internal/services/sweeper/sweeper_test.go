package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/adapters/memory"
	"github.com/kevin07696/tenant-billing/internal/adapters/redislock"
	"github.com/kevin07696/tenant-billing/internal/adapters/sandbox"
	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/dunning"
	"github.com/kevin07696/tenant-billing/internal/services/ledger"
	"github.com/kevin07696/tenant-billing/internal/services/lifecycle"
	"github.com/kevin07696/tenant-billing/pkg/resilience"
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

type env struct {
	store    *memory.Store
	clock    *testClock
	provider *sandbox.Provider
	machine  *lifecycle.Machine
	locker   *redislock.LocalLocker
	sweeper  *Sweeper
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	store := memory.NewStore()
	clock := &testClock{now: april1}
	provider := sandbox.New(clock.Now)
	repos := store.Repositories()
	ledgerSvc := ledger.NewService(store, repos.Payments, clock, ports.NopLogger{})
	m := lifecycle.NewMachine(store, repos, ledgerSvc, provider, nil, clock, dunning.DefaultPolicy(), ports.NopLogger{})
	locker := redislock.NewLocal()

	sw := New(store, repos.Subscriptions, m, provider, locker, resilience.TestTimeoutConfig(), cfg, ports.NopLogger{})

	ctx := context.Background()
	for _, p := range []*domain.Plan{
		{ID: "trial", Name: "Trial", AmountCents: 2999, Currency: "USD", Interval: domain.IntervalUnitMonth, IntervalCount: 1, TrialDays: 14, GraceDays: 7, Active: true},
		{ID: "monthly", Name: "Monthly", AmountCents: 1000, Currency: "USD", Interval: domain.IntervalUnitMonth, IntervalCount: 1, GraceDays: 7, Active: true},
	} {
		p.ApplyDefaults()
		require.NoError(t, store.Plans().Create(ctx, nil, p))
	}

	return &env{store: store, clock: clock, provider: provider, machine: m, locker: locker, sweeper: sw}
}

func (e *env) subscribe(t *testing.T, n int, planID, auth string) *domain.Subscription {
	t.Helper()
	ctx := context.Background()
	org := &domain.Organization{
		ID:          fmt.Sprintf("org-%d", n),
		Name:        fmt.Sprintf("Org %d", n),
		CustomerRef: fmt.Sprintf("cus_%d", n),
		Status:      domain.OrganizationStatusActive,
	}
	require.NoError(t, e.store.Organizations().Create(ctx, nil, org))
	sub, err := e.machine.Create(ctx, lifecycle.CreateInput{OrganizationID: org.ID, PlanID: planID, AuthorizationCode: auth})
	require.NoError(t, err)
	return sub
}

func (e *env) transitions(t *testing.T) int {
	t.Helper()
	recent, err := e.store.Transitions().Recent(context.Background(), nil, 1000)
	require.NoError(t, err)
	return len(recent)
}

func TestSweep_ClassifiesOutcomes(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Workers: 4, WarningWindow: 72 * time.Hour})

	noCard := e.subscribe(t, 1, "trial", "")
	declined := e.subscribe(t, 2, "trial", sandbox.DeclineMethod)
	renewing := e.subscribe(t, 3, "monthly", "pm_visa")

	day15 := april1.AddDate(0, 0, 15)
	e.clock.Set(day15)
	report, err := e.sweeper.Sweep(context.Background(), day15)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.ExpiredCount)
	assert.Zero(t, report.Failed)

	got, err := e.store.Subscriptions().GetByID(context.Background(), nil, noCard.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusExpired, got.Status)

	got, err = e.store.Subscriptions().GetByID(context.Background(), nil, declined.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, got.Status)

	got, err = e.store.Subscriptions().GetByID(context.Background(), nil, renewing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestSweep_TwiceEqualsOnce(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 2, Workers: 2})
	for i := 0; i < 5; i++ {
		e.subscribe(t, i, "monthly", "pm_visa")
	}
	at := april1.AddDate(0, 1, 0).Add(time.Hour)
	e.clock.Set(at)

	first, err := e.sweeper.Sweep(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, 5, first.Processed)
	after := e.transitions(t)

	second, err := e.sweeper.Sweep(context.Background(), at)
	require.NoError(t, err)
	assert.Zero(t, second.Processed)
	assert.Equal(t, after, e.transitions(t))
	// Five creations plus five renewals.
	assert.Equal(t, 10, after)
}

func TestSweep_GraceThenCancelled(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 10, Workers: 1})
	sub := e.subscribe(t, 1, "monthly", "pm_visa")
	e.provider.SetDefault(sandbox.Decline)

	ctx := context.Background()
	at := sub.CurrentPeriodEnd
	e.clock.Set(at)
	r, err := e.sweeper.Sweep(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 1, r.ExpiredCount)

	at = at.AddDate(0, 0, 8)
	e.clock.Set(at)
	r, err = e.sweeper.Sweep(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 1, r.WarningsCount)

	at = at.AddDate(0, 0, 8)
	e.clock.Set(at)
	r, err = e.sweeper.Sweep(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 1, r.CancelledCount)
}

func TestSweep_WarningWindowCountsUpcomingDeadlines(t *testing.T) {
	e := newEnv(t, Config{WarningWindow: 72 * time.Hour})
	e.subscribe(t, 1, "trial", "pm_visa")

	at := april1.AddDate(0, 0, 12)
	e.clock.Set(at)
	r, err := e.sweeper.Sweep(context.Background(), at)
	require.NoError(t, err)
	assert.Zero(t, r.Processed)
	assert.Equal(t, 1, r.WarningsCount)
}

func TestSweep_SkipsWhenLeaseHeld(t *testing.T) {
	e := newEnv(t, Config{})
	e.subscribe(t, 1, "trial", "")

	release, ok, err := e.locker.TryLock(context.Background(), sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release(context.Background())

	r, err := e.sweeper.Sweep(context.Background(), april1.AddDate(0, 0, 20))
	require.NoError(t, err)
	assert.True(t, r.LeaseHeld)
	assert.Zero(t, r.Processed)
}

func TestSweep_ProviderOutageIsSkipped(t *testing.T) {
	e := newEnv(t, Config{})
	sub := e.subscribe(t, 1, "monthly", "pm_visa")
	e.provider.SetDefault(sandbox.Unavailable)

	at := sub.CurrentPeriodEnd
	e.clock.Set(at)
	r, err := e.sweeper.Sweep(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Skipped)

	got, err := e.store.Subscriptions().GetByID(context.Background(), nil, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
}

func TestReconcile_SettlesAndClears(t *testing.T) {
	e := newEnv(t, Config{ReconcileDelay: 15 * time.Minute})
	charged := e.subscribe(t, 1, "trial", "pm_visa")
	lost := e.subscribe(t, 2, "trial", "pm_visa")
	e.provider.Script(charged.ID, sandbox.TimeoutAfterCharge)
	e.provider.Script(lost.ID, sandbox.Timeout)

	trialEnd := *charged.TrialEnd
	e.clock.Set(trialEnd)
	_, err := e.sweeper.Sweep(context.Background(), trialEnd)
	require.NoError(t, err)

	// Too early: nothing is old enough.
	early, err := e.sweeper.Reconcile(context.Background(), trialEnd.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, early.Checked)

	at := trialEnd.Add(20 * time.Minute)
	e.clock.Set(at)
	r, err := e.sweeper.Reconcile(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Checked)
	assert.Equal(t, 1, r.Settled)
	assert.Equal(t, 1, r.Cleared)

	got, err := e.store.Subscriptions().GetByID(context.Background(), nil, charged.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	assert.Zero(t, got.FailedPaymentCount)

	got, err = e.store.Subscriptions().GetByID(context.Background(), nil, lost.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, got.Status)
	assert.Nil(t, got.PendingCharge)
}

func (e *env) payments(t *testing.T, subID string) []*domain.PaymentRecord {
	t.Helper()
	recs, err := e.store.Payments().List(context.Background(), nil, ports.PaymentFilter{SubscriptionID: subID})
	require.NoError(t, err)
	return recs
}

func (e *env) get(t *testing.T, id string) *domain.Subscription {
	t.Helper()
	sub, err := e.store.Subscriptions().GetByID(context.Background(), nil, id)
	require.NoError(t, err)
	return sub
}

func TestSweep_ConcurrentRunsWithoutLease(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 5, Workers: 4})
	subs := make([]*domain.Subscription, 20)
	for i := range subs {
		subs[i] = e.subscribe(t, i, "monthly", "pm_visa")
	}
	at := april1.AddDate(0, 1, 0).Add(time.Hour)
	e.clock.Set(at)

	unguarded := New(e.store, e.store.Subscriptions(), e.machine, e.provider, nil, resilience.TestTimeoutConfig(), Config{BatchSize: 5, Workers: 4}, ports.NopLogger{})

	var wg sync.WaitGroup
	reports := make([]*Report, 4)
	errs := make([]error, 4)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = unguarded.Sweep(context.Background(), at)
		}()
	}
	wg.Wait()

	for i := range reports {
		require.NoError(t, errs[i])
		assert.Zero(t, reports[i].Failed)
		assert.False(t, reports[i].LeaseHeld)
	}
	for _, sub := range subs {
		got := e.get(t, sub.ID)
		assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
		assert.True(t, got.CurrentPeriodEnd.After(at))
		// Initial charge plus exactly one renewal.
		assert.Len(t, e.payments(t, sub.ID), 2)
	}
	// One creation and one renewal per subscription.
	assert.Equal(t, 40, e.transitions(t))
}

// racingSubscriptions runs hook once, right after the next snapshot read.
type racingSubscriptions struct {
	ports.SubscriptionRepository
	armed atomic.Bool
	hook  func()
}

func (r *racingSubscriptions) GetByID(ctx context.Context, db ports.DBTX, id string) (*domain.Subscription, error) {
	sub, err := r.SubscriptionRepository.GetByID(ctx, db, id)
	if err == nil && r.armed.CompareAndSwap(true, false) {
		r.hook()
	}
	return sub, err
}

func TestSweep_StaleSnapshotIsSkipped(t *testing.T) {
	e := newEnv(t, Config{})
	sub := e.subscribe(t, 1, "trial", "")

	racing := &racingSubscriptions{SubscriptionRepository: e.store.Subscriptions()}
	repos := e.store.Repositories()
	repos.Subscriptions = racing
	ledgerSvc := ledger.NewService(e.store, repos.Payments, e.clock, ports.NopLogger{})
	m := lifecycle.NewMachine(e.store, repos, ledgerSvc, e.provider, nil, e.clock, dunning.DefaultPolicy(), ports.NopLogger{})
	sw := New(e.store, racing, m, e.provider, nil, resilience.TestTimeoutConfig(), Config{}, ports.NopLogger{})

	trialEnd := *sub.TrialEnd
	e.clock.Set(trialEnd)
	// A payment lands between the sweep's read and its commit.
	racing.hook = func() {
		_, err := m.ApplyPayment(context.Background(), ports.PaymentEvent{
			ProviderRef:    "ch_webhook_1",
			SubscriptionID: sub.ID,
			Outcome:        domain.PaymentOutcomeSuccess,
			AmountCents:    2999,
			Currency:       "USD",
			OccurredAt:     trialEnd,
		}, domain.TriggerWebhook)
		assert.NoError(t, err)
	}
	racing.armed.Store(true)

	r, err := sw.Sweep(context.Background(), trialEnd)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Skipped)
	assert.Zero(t, r.Processed)
	assert.Zero(t, r.ExpiredCount)

	got := e.get(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status, "the payment wins over the stale expiry")
	assert.Len(t, e.payments(t, sub.ID), 1)
}

func TestSweep_NowBoundsSelection(t *testing.T) {
	e := newEnv(t, Config{})
	early := e.subscribe(t, 1, "trial", "")
	e.clock.Set(april1.AddDate(0, 0, 3))
	late := e.subscribe(t, 2, "trial", "")

	// Only the first trial has ended by the bound, although the machine clock
	// has already passed both trial ends.
	e.clock.Set(april1.AddDate(0, 0, 30))
	r, err := e.sweeper.Sweep(context.Background(), *early.TrialEnd)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Processed)
	assert.Equal(t, domain.SubscriptionStatusExpired, e.get(t, early.ID).Status)
	assert.Equal(t, domain.SubscriptionStatusTrial, e.get(t, late.ID).Status)
}

func TestReconcile_SettlesTimedOutInitialCharge(t *testing.T) {
	e := newEnv(t, Config{ReconcileDelay: 15 * time.Minute})
	e.provider.SetDefault(sandbox.TimeoutAfterCharge)

	sub := e.subscribe(t, 1, "monthly", "pm_visa")
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
	require.NotNil(t, sub.PendingCharge)
	assert.Equal(t, domain.ChargeKindInitial, sub.PendingCharge.Kind)
	assert.Empty(t, e.payments(t, sub.ID))

	// A repeated create is refused before it can reach the provider.
	_, err := e.machine.Create(context.Background(), lifecycle.CreateInput{
		OrganizationID: sub.OrganizationID, PlanID: "monthly", AuthorizationCode: "pm_visa",
	})
	assert.True(t, domain.IsValidationError(err))
	assert.Len(t, e.provider.Charges(), 1)

	at := april1.Add(20 * time.Minute)
	e.clock.Set(at)
	r, err := e.sweeper.Reconcile(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Settled)

	got := e.get(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	assert.Nil(t, got.PendingCharge)
	assert.Zero(t, got.FailedPaymentCount)
	recs := e.payments(t, sub.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.PaymentOutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, sub.PendingCharge.IdempotencyKey, recs[0].IdempotencyKey)
}

func TestReconcile_SettlesChargeOnCancelledSubscription(t *testing.T) {
	e := newEnv(t, Config{ReconcileDelay: 15 * time.Minute})
	sub := e.subscribe(t, 1, "monthly", "pm_visa")
	e.provider.Script(sub.ID, sandbox.TimeoutAfterCharge)

	ctx := context.Background()
	at := sub.CurrentPeriodEnd
	e.clock.Set(at)
	_, err := e.sweeper.Sweep(ctx, at)
	require.NoError(t, err)
	require.NotNil(t, e.get(t, sub.ID).PendingCharge)

	cancelled, err := e.machine.Cancel(ctx, sub.ID, "customer request", domain.TriggerAdmin)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.PendingCharge, "cancellation keeps the unresolved attempt")

	at = at.Add(20 * time.Minute)
	e.clock.Set(at)
	r, err := e.sweeper.Reconcile(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Checked)
	assert.Equal(t, 1, r.Settled)

	got := e.get(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusCancelled, got.Status)
	assert.Nil(t, got.PendingCharge)
	// Initial charge plus the renewal the provider captured.
	assert.Len(t, e.payments(t, sub.ID), 2)

	again, err := e.sweeper.Reconcile(ctx, at)
	require.NoError(t, err)
	assert.Zero(t, again.Checked)
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	e := newEnv(t, Config{})
	s := NewScheduler(e.sweeper, e.clock, resilience.TestTimeoutConfig(), zap.NewNop())

	assert.Error(t, s.Register("every now and then", ""))
	require.NoError(t, s.Register("@every 1h", "@every 2h"))
	assert.Len(t, s.cron.Entries(), 2)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
