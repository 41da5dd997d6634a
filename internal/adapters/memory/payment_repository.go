package memory

import (
	"context"
	"sort"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

type paymentRepo struct{ s *Store }

func (r *paymentRepo) Insert(_ context.Context, _ ports.DBTX, rec *domain.PaymentRecord) (*domain.PaymentRecord, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if id, ok := r.s.refs[rec.ProviderRef]; ok {
		existing := *r.s.payments[id].rec
		return &existing, false, nil
	}
	r.s.seq++
	c := *rec
	r.s.payments[rec.ID] = &paymentRow{rec: &c, seq: r.s.seq}
	r.s.refs[rec.ProviderRef] = rec.ID
	out := c
	return &out, true, nil
}

func (r *paymentRepo) GetByID(_ context.Context, _ ports.DBTX, id string) (*domain.PaymentRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row, ok := r.s.payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	c := *row.rec
	return &c, nil
}

func (r *paymentRepo) GetByProviderRef(_ context.Context, _ ports.DBTX, providerRef string) (*domain.PaymentRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.refs[providerRef]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	c := *r.s.payments[id].rec
	return &c, nil
}

func (r *paymentRepo) FindRefundOf(_ context.Context, _ ports.DBTX, paymentID string) (*domain.PaymentRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, row := range r.s.payments {
		if row.rec.Outcome == domain.PaymentOutcomeRefunded && row.rec.RefundOfID == paymentID {
			c := *row.rec
			return &c, nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func (r *paymentRepo) ListAfter(_ context.Context, _ ports.DBTX, subscriptionID string, after ports.PaymentCursor, limit int) ([]*domain.PaymentRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows := r.s.subscriptionRows(subscriptionID)
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].rec, rows[j].rec
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	var out []*domain.PaymentRecord
	for _, row := range rows {
		rec := row.rec
		if !after.CreatedAt.IsZero() || after.ID != "" {
			if rec.CreatedAt.Before(after.CreatedAt) || (rec.CreatedAt.Equal(after.CreatedAt) && rec.ID <= after.ID) {
				continue
			}
		}
		c := *rec
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *paymentRepo) List(_ context.Context, _ ports.DBTX, filter ports.PaymentFilter) ([]*domain.PaymentRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows := r.s.filterPayments(filter)
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.seq > b.seq
		}
		return a.rec.CreatedAt.After(b.rec.CreatedAt)
	})

	out := make([]*domain.PaymentRecord, 0, len(rows))
	for _, row := range rows {
		c := *row.rec
		out = append(out, &c)
	}
	return page(out, filter.Limit, filter.Offset), nil
}

func (r *paymentRepo) Count(_ context.Context, _ ports.DBTX, filter ports.PaymentFilter) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.filterPayments(filter)), nil
}

func (r *paymentRepo) SumByCurrency(_ context.Context, _ ports.DBTX, filter ports.PaymentFilter) (map[string]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	sums := make(map[string]int64)
	for _, row := range r.s.filterPayments(filter) {
		sums[row.rec.Currency] += row.rec.AmountCents
	}
	return sums, nil
}

func (r *paymentRepo) RevenueBySubscription(_ context.Context, _ ports.DBTX, from, to time.Time) ([]ports.SubscriptionRevenue, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	type key struct{ sub, currency string }
	acc := make(map[key]*ports.SubscriptionRevenue)
	for _, row := range r.s.payments {
		rec := row.rec
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		if rec.Outcome == domain.PaymentOutcomeFailed {
			continue
		}
		k := key{rec.SubscriptionID, rec.Currency}
		rev, ok := acc[k]
		if !ok {
			rev = &ports.SubscriptionRevenue{
				SubscriptionID: rec.SubscriptionID,
				OrganizationID: rec.OrganizationID,
				Currency:       rec.Currency,
			}
			acc[k] = rev
		}
		if rec.Outcome == domain.PaymentOutcomeSuccess {
			rev.GrossCents += rec.AmountCents
		} else {
			rev.RefundedCents += rec.AmountCents
		}
		rev.NetCents = rev.GrossCents - rev.RefundedCents
	}

	out := make([]ports.SubscriptionRevenue, 0, len(acc))
	for _, rev := range acc {
		out = append(out, *rev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NetCents == out[j].NetCents {
			return out[i].SubscriptionID < out[j].SubscriptionID
		}
		return out[i].NetCents > out[j].NetCents
	})
	return out, nil
}

func (r *paymentRepo) ConsecutiveFailures(_ context.Context, _ ports.DBTX, subscriptionID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows := r.s.subscriptionRows(subscriptionID)
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	n := 0
	for _, row := range rows {
		switch row.rec.Outcome {
		case domain.PaymentOutcomeSuccess:
			n = 0
		case domain.PaymentOutcomeFailed:
			n++
		}
	}
	return n, nil
}

func (r *paymentRepo) HasSuccessSince(_ context.Context, _ ports.DBTX, subscriptionID string, since time.Time) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, row := range r.s.subscriptionRows(subscriptionID) {
		if row.rec.Outcome == domain.PaymentOutcomeSuccess && !row.rec.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// subscriptionRows must be called with mu held.
func (s *Store) subscriptionRows(subscriptionID string) []*paymentRow {
	var rows []*paymentRow
	for _, row := range s.payments {
		if row.rec.SubscriptionID == subscriptionID {
			rows = append(rows, row)
		}
	}
	return rows
}

// filterPayments must be called with mu held.
func (s *Store) filterPayments(f ports.PaymentFilter) []*paymentRow {
	var rows []*paymentRow
	for _, row := range s.payments {
		rec := row.rec
		if f.SubscriptionID != "" && rec.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.OrganizationID != "" && rec.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Outcome != nil && rec.Outcome != *f.Outcome {
			continue
		}
		if f.From != nil && rec.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !rec.CreatedAt.Before(*f.To) {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

type transitionRepo struct{ s *Store }

func (r *transitionRepo) Insert(_ context.Context, _ ports.DBTX, t *domain.Transition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *t
	r.s.transitions = append(r.s.transitions, &c)
	return nil
}

func (r *transitionRepo) Recent(_ context.Context, _ ports.DBTX, limit int) ([]*domain.Transition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.Transition, 0, limit)
	for i := len(r.s.transitions) - 1; i >= 0; i-- {
		c := *r.s.transitions[i]
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

func (r *transitionRepo) ListBySubscription(_ context.Context, _ ports.DBTX, subscriptionID string) ([]*domain.Transition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*domain.Transition
	for _, t := range r.s.transitions {
		if t.SubscriptionID == subscriptionID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}
