package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func activeSub(id, org string) *domain.Subscription {
	return &domain.Subscription{
		ID:                 id,
		OrganizationID:     org,
		PlanID:             "plan-1",
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: t0,
		CurrentPeriodEnd:   t0.AddDate(0, 1, 0),
		CreatedAt:          t0,
	}
}

func TestStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	subs := store.Subscriptions()

	err := store.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		require.NoError(t, subs.Create(ctx, tx, activeSub("sub-1", "org-1")))
		_, _, err := store.Payments().Insert(ctx, tx, &domain.PaymentRecord{ID: "pay-1", SubscriptionID: "sub-1", ProviderRef: "ref-1"})
		require.NoError(t, err)
		return errors.New("boom")
	})
	require.Error(t, err)

	_, err = subs.GetByID(ctx, nil, "sub-1")
	assert.True(t, domain.IsNotFoundError(err))
	_, err = store.Payments().GetByProviderRef(ctx, nil, "ref-1")
	assert.True(t, domain.IsNotFoundError(err))
}

func TestStore_TransactionRollbackOnPanic(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	assert.Panics(t, func() {
		_ = store.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
			_ = store.Subscriptions().Create(ctx, tx, activeSub("sub-1", "org-1"))
			panic("boom")
		})
	})

	_, err := store.Subscriptions().GetByID(ctx, nil, "sub-1")
	assert.True(t, domain.IsNotFoundError(err))
}

func TestSubscriptionRepo_UpdateIfVersion(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	subs := store.Subscriptions()

	sub := activeSub("sub-1", "org-1")
	require.NoError(t, subs.Create(ctx, nil, sub))
	assert.Equal(t, int64(1), sub.Version)

	a, _ := subs.GetByID(ctx, nil, "sub-1")
	b, _ := subs.GetByID(ctx, nil, "sub-1")

	a.Status = domain.SubscriptionStatusPastDue
	require.NoError(t, subs.UpdateIfVersion(ctx, nil, a, a.Version))
	assert.Equal(t, int64(2), a.Version)

	b.Status = domain.SubscriptionStatusCancelled
	err := subs.UpdateIfVersion(ctx, nil, b, b.Version)
	assert.True(t, domain.IsTransitionConflict(err))

	stored, _ := subs.GetByID(ctx, nil, "sub-1")
	assert.Equal(t, domain.SubscriptionStatusPastDue, stored.Status)
}

func TestSubscriptionRepo_OneLivePerOrganization(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	subs := store.Subscriptions()

	require.NoError(t, subs.Create(ctx, nil, activeSub("sub-1", "org-1")))
	err := subs.Create(ctx, nil, activeSub("sub-2", "org-1"))
	assert.True(t, domain.IsInvariantViolation(err))

	cancelled := activeSub("sub-3", "org-1")
	cancelled.Status = domain.SubscriptionStatusCancelled
	require.NoError(t, subs.Create(ctx, nil, cancelled))

	cancelled.Status = domain.SubscriptionStatusActive
	err = subs.UpdateIfVersion(ctx, nil, cancelled, cancelled.Version)
	assert.True(t, domain.IsInvariantViolation(err))

	n, err := subs.CountLiveByOrganization(ctx, nil, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubscriptionRepo_ListDueKeyset(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	subs := store.Subscriptions()

	for i, id := range []string{"a", "b", "c", "d"} {
		sub := activeSub(id, "org-"+id)
		sub.CurrentPeriodEnd = t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, subs.Create(ctx, nil, sub))
	}
	notDue := activeSub("e", "org-e")
	notDue.CurrentPeriodEnd = t0.Add(48 * time.Hour)
	require.NoError(t, subs.Create(ctx, nil, notDue))

	now := t0.Add(10 * time.Hour)
	first, err := subs.ListDue(ctx, nil, now, ports.DueCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "b", first[1].ID)

	last := first[1]
	second, err := subs.ListDue(ctx, nil, now, ports.DueCursor{Deadline: domain.NextDeadline(last), ID: last.ID}, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "c", second[0].ID)
	assert.Equal(t, "d", second[1].ID)
}

func TestPaymentRepo_InsertIsIdempotentByProviderRef(t *testing.T) {
	ctx := context.Background()
	payments := NewStore().Payments()

	rec := &domain.PaymentRecord{ID: "pay-1", SubscriptionID: "sub-1", ProviderRef: "pi_1", AmountCents: 5000, Outcome: domain.PaymentOutcomeSuccess}
	_, inserted, err := payments.Insert(ctx, nil, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &domain.PaymentRecord{ID: "pay-2", SubscriptionID: "sub-1", ProviderRef: "pi_1", AmountCents: 5000, Outcome: domain.PaymentOutcomeSuccess}
	existing, inserted, err := payments.Insert(ctx, nil, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "pay-1", existing.ID)

	n, err := payments.Count(ctx, nil, ports.PaymentFilter{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPaymentRepo_ConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	payments := NewStore().Payments()

	outcomes := []domain.PaymentOutcome{
		domain.PaymentOutcomeFailed,
		domain.PaymentOutcomeSuccess,
		domain.PaymentOutcomeFailed,
		domain.PaymentOutcomeRefunded,
		domain.PaymentOutcomeFailed,
	}
	for i, o := range outcomes {
		_, _, err := payments.Insert(ctx, nil, &domain.PaymentRecord{
			ID:             string(rune('a' + i)),
			SubscriptionID: "sub-1",
			ProviderRef:    string(rune('A' + i)),
			Outcome:        o,
			CreatedAt:      t0,
		})
		require.NoError(t, err)
	}

	n, err := payments.ConsecutiveFailures(ctx, nil, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
