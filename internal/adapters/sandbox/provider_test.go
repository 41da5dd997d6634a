package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

func fixedNow() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }

func req(sub, key string) ports.ChargeRequest {
	return ports.ChargeRequest{SubscriptionID: sub, IdempotencyKey: key, AmountCents: 5000, Currency: "USD"}
}

func TestCharge_DefaultSucceedsAndReplaysByKey(t *testing.T) {
	p := New(fixedNow)

	first, err := p.Charge(context.Background(), req("sub-1", "k1"))
	require.NoError(t, err)
	again, err := p.Charge(context.Background(), req("sub-1", "k1"))
	require.NoError(t, err)

	assert.Equal(t, ports.ChargeStatusSucceeded, first.Status)
	assert.Equal(t, first.ProviderRef, again.ProviderRef)
	assert.Len(t, p.Charges(), 2)
}

func TestCharge_ScriptedOutcomes(t *testing.T) {
	p := New(fixedNow)
	p.Script("sub-1", Decline, Timeout, Unavailable, Succeed)

	res, err := p.Charge(context.Background(), req("sub-1", "a"))
	require.NoError(t, err)
	assert.Equal(t, ports.ChargeStatusFailed, res.Status)

	_, err = p.Charge(context.Background(), req("sub-1", "b"))
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeProviderTimeout))

	_, err = p.Charge(context.Background(), req("sub-1", "c"))
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeProviderUnavailable))

	res, err = p.Charge(context.Background(), req("sub-1", "d"))
	require.NoError(t, err)
	assert.Equal(t, ports.ChargeStatusSucceeded, res.Status)
}

func TestCharge_DeclineMethod(t *testing.T) {
	p := New(fixedNow)
	r := req("sub-1", "k")
	r.AuthorizationCode = DeclineMethod

	res, err := p.Charge(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, ports.ChargeStatusFailed, res.Status)
}

func TestLookupCharge_AfterTimeouts(t *testing.T) {
	p := New(fixedNow)
	p.Script("sub-1", TimeoutAfterCharge, Timeout)

	_, err := p.Charge(context.Background(), req("sub-1", "charged"))
	require.Error(t, err)
	_, err = p.Charge(context.Background(), req("sub-1", "lost"))
	require.Error(t, err)

	charged, err := p.LookupCharge(context.Background(), "charged")
	require.NoError(t, err)
	require.NotNil(t, charged)
	assert.Equal(t, ports.ChargeStatusSucceeded, charged.Status)

	lost, err := p.LookupCharge(context.Background(), "lost")
	require.NoError(t, err)
	assert.Nil(t, lost)

	p.Settle("lost", ports.ChargeStatusFailed, 5000, "USD")
	settled, _ := p.LookupCharge(context.Background(), "lost")
	assert.Equal(t, ports.ChargeStatusFailed, settled.Status)
}

func TestRefund_IdempotentPerKey(t *testing.T) {
	p := New(fixedNow)

	a, err := p.Refund(context.Background(), ports.RefundRequest{IdempotencyKey: "refund:1", ChargeRef: "ch"})
	require.NoError(t, err)
	b, err := p.Refund(context.Background(), ports.RefundRequest{IdempotencyKey: "refund:1", ChargeRef: "ch"})
	require.NoError(t, err)

	assert.Equal(t, a.ProviderRef, b.ProviderRef)
	assert.Equal(t, fixedNow(), a.ProcessedAt)
}

func TestCharge_CancelledContext(t *testing.T) {
	p := New(fixedNow)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Charge(ctx, req("sub-1", "k"))
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeProviderTimeout))
	assert.Empty(t, p.Charges())
}
