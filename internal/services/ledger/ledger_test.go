package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin07696/tenant-billing/internal/adapters/memory"
	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestService(t *testing.T) (*Service, *memory.Store, *testClock) {
	t.Helper()
	store := memory.NewStore()
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	return NewService(store, store.Payments(), clock, ports.NopLogger{}), store, clock
}

func entry(ref string, outcome domain.PaymentOutcome, amount int64) Entry {
	return Entry{
		SubscriptionID: "sub-1",
		OrganizationID: "org-1",
		ProviderRef:    ref,
		Currency:       "usd",
		Outcome:        outcome,
		AmountCents:    amount,
	}
}

func TestRecordPayment_ReplayYieldsOneRecord(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.RecordPayment(ctx, nil, entry("ch_1", domain.PaymentOutcomeSuccess, 5000))
	require.NoError(t, err)
	assert.Equal(t, "USD", first.Currency)
	require.NotNil(t, first.PaidAt)

	for i := 0; i < 3; i++ {
		again, err := svc.RecordPayment(ctx, nil, entry("ch_1", domain.PaymentOutcomeSuccess, 5000))
		assert.True(t, domain.IsDuplicateEvent(err))
		assert.Equal(t, first.ID, again.ID)
	}

	n, err := store.Payments().Count(ctx, nil, ports.PaymentFilter{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordPayment_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing provider ref", entry("", domain.PaymentOutcomeSuccess, 100)},
		{"unknown outcome", entry("ch", domain.PaymentOutcome("pending"), 100)},
		{"negative amount", entry("ch", domain.PaymentOutcomeSuccess, -1)},
		{"refund without original", entry("re", domain.PaymentOutcomeRefunded, 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RecordPayment(context.Background(), nil, tt.entry)
			assert.True(t, domain.IsValidationError(err))
		})
	}
}

func TestHistory_PagesLazilyAndRestarts(t *testing.T) {
	svc, _, clock := newTestService(t)
	svc.pageSize = 2
	ctx := context.Background()

	for i, ref := range []string{"a", "b", "c", "d", "e"} {
		clock.now = clock.now.Add(time.Duration(i+1) * time.Minute)
		_, err := svc.RecordPayment(ctx, nil, entry(ref, domain.PaymentOutcomeFailed, 100))
		require.NoError(t, err)
	}

	collect := func() []string {
		var refs []string
		for rec, err := range svc.History(ctx, "sub-1") {
			require.NoError(t, err)
			refs = append(refs, rec.ProviderRef)
		}
		return refs
	}

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, collect())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, collect())

	var first []string
	for rec := range svc.History(ctx, "sub-1") {
		first = append(first, rec.ProviderRef)
		if len(first) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, first)
}

func TestSumsAndNetRevenue(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	start := clock.now

	paid, err := svc.RecordPayment(ctx, nil, entry("ch_1", domain.PaymentOutcomeSuccess, 5000))
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, nil, entry("ch_2", domain.PaymentOutcomeFailed, 5000))
	require.NoError(t, err)

	refund := entry("re_1", domain.PaymentOutcomeRefunded, 5000)
	refund.RefundOfID = paid.ID
	_, err = svc.RecordPayment(ctx, nil, refund)
	require.NoError(t, err)

	sums, err := svc.SumByOutcome(ctx, "sub-1", domain.PaymentOutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"USD": 5000}, sums)

	net, err := svc.NetRevenue(ctx, "sub-1", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), net["USD"])
}

func TestConsecutiveFailures(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, e := range []Entry{
		entry("f1", domain.PaymentOutcomeFailed, 100),
		entry("s1", domain.PaymentOutcomeSuccess, 100),
		entry("f2", domain.PaymentOutcomeFailed, 100),
		entry("f3", domain.PaymentOutcomeFailed, 100),
	} {
		_, err := svc.RecordPayment(ctx, nil, e)
		require.NoError(t, err)
	}

	n, err := svc.ConsecutiveFailures(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
