package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

type subscriptionRepo struct{ s *Store }

func (r *subscriptionRepo) Create(_ context.Context, _ ports.DBTX, sub *domain.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.subs[sub.ID]; ok {
		return domain.Validationf("subscription %s already exists", sub.ID)
	}
	if sub.IsLive() {
		if live := r.s.liveSubscriptions(sub.OrganizationID); len(live) > 0 {
			return domain.NewDomainError(domain.ErrorCodeInvariantViolation,
				fmt.Sprintf("organization %s already has live subscription %s", sub.OrganizationID, live[0].ID)).
				WithDetail("organization_id", sub.OrganizationID)
		}
	}
	sub.Version = 1
	r.s.subs[sub.ID] = sub.Clone()
	return nil
}

func (r *subscriptionRepo) GetByID(_ context.Context, _ ports.DBTX, id string) (*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	sub, ok := r.s.subs[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (r *subscriptionRepo) GetLiveByOrganization(_ context.Context, _ ports.DBTX, organizationID string) (*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	live := r.s.liveSubscriptions(organizationID)
	if len(live) == 0 {
		return nil, domain.ErrSubscriptionNotFound
	}
	return live[0].Clone(), nil
}

func (r *subscriptionRepo) GetLatestByOrganization(_ context.Context, _ ports.DBTX, organizationID string) (*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	latest := r.s.latestSubscription(organizationID)
	if latest == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return latest.Clone(), nil
}

func (r *subscriptionRepo) CountLiveByOrganization(_ context.Context, _ ports.DBTX, organizationID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.liveSubscriptions(organizationID)), nil
}

func (r *subscriptionRepo) UpdateIfVersion(_ context.Context, _ ports.DBTX, sub *domain.Subscription, expected int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current, ok := r.s.subs[sub.ID]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	if current.Version != expected {
		return domain.NewDomainError(domain.ErrorCodeTransitionConflict,
			fmt.Sprintf("subscription %s is at version %d, expected %d", sub.ID, current.Version, expected))
	}
	if sub.IsLive() {
		for _, other := range r.s.liveSubscriptions(sub.OrganizationID) {
			if other.ID != sub.ID {
				return domain.NewDomainError(domain.ErrorCodeInvariantViolation,
					fmt.Sprintf("organization %s already has live subscription %s", sub.OrganizationID, other.ID))
			}
		}
	}
	sub.Version = expected + 1
	r.s.subs[sub.ID] = sub.Clone()
	return nil
}

func (r *subscriptionRepo) ListDue(_ context.Context, _ ports.DBTX, now time.Time, after ports.DueCursor, limit int) ([]*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var due []*domain.Subscription
	for _, sub := range r.s.subs {
		if !sub.IsLive() {
			continue
		}
		deadline := domain.NextDeadline(sub)
		if deadline.IsZero() || deadline.After(now) {
			continue
		}
		if !after.Deadline.IsZero() || after.ID != "" {
			if deadline.Before(after.Deadline) || (deadline.Equal(after.Deadline) && sub.ID <= after.ID) {
				continue
			}
		}
		due = append(due, sub.Clone())
	}
	sort.Slice(due, func(i, j int) bool {
		di, dj := domain.NextDeadline(due[i]), domain.NextDeadline(due[j])
		if di.Equal(dj) {
			return due[i].ID < due[j].ID
		}
		return di.Before(dj)
	})
	return page(due, limit, 0), nil
}

func (r *subscriptionRepo) ListPending(_ context.Context, _ ports.DBTX, olderThan time.Time, limit int) ([]*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*domain.Subscription
	for _, sub := range r.s.subs {
		if sub.PendingCharge != nil && !sub.PendingCharge.AttemptedAt.After(olderThan) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].PendingCharge.AttemptedAt, out[j].PendingCharge.AttemptedAt
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.Before(aj)
	})
	return page(out, limit, 0), nil
}

func (r *subscriptionRepo) CountExpiringBetween(_ context.Context, _ ports.DBTX, from, to time.Time) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for _, sub := range r.s.subs {
		if !sub.IsLive() {
			continue
		}
		if d := domain.AccessDeadline(sub); d != nil && d.After(from) && !d.After(to) {
			n++
		}
	}
	return n, nil
}

func (r *subscriptionRepo) List(_ context.Context, _ ports.DBTX, filter ports.SubscriptionFilter) ([]*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*domain.Subscription
	for _, sub := range r.s.subs {
		if filter.OrganizationID != "" && sub.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != nil && sub.Status != *filter.Status {
			continue
		}
		out = append(out, sub.Clone())
	}
	sortNewestFirst(out)
	return page(out, filter.Limit, filter.Offset), nil
}

func (r *subscriptionRepo) CountByStatus(_ context.Context, _ ports.DBTX) (map[domain.SubscriptionStatus]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	counts := make(map[domain.SubscriptionStatus]int, len(domain.AllSubscriptionStatuses))
	for _, sub := range r.s.subs {
		counts[sub.Status]++
	}
	return counts, nil
}

func (r *subscriptionRepo) CountCreatedBetween(_ context.Context, _ ports.DBTX, from, to time.Time) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for _, sub := range r.s.subs {
		if !sub.CreatedAt.Before(from) && sub.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (r *subscriptionRepo) CountEndedBetween(_ context.Context, _ ports.DBTX, from, to time.Time) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for _, sub := range r.s.subs {
		if sub.IsTerminal() && sub.CancelledAt != nil && !sub.CancelledAt.Before(from) && sub.CancelledAt.Before(to) {
			n++
		}
	}
	return n, nil
}

// liveSubscriptions must be called with mu held.
func (s *Store) liveSubscriptions(organizationID string) []*domain.Subscription {
	var out []*domain.Subscription
	for _, sub := range s.subs {
		if sub.OrganizationID == organizationID && sub.IsLive() {
			out = append(out, sub)
		}
	}
	sortNewestFirst(out)
	return out
}

// latestSubscription must be called with mu held.
func (s *Store) latestSubscription(organizationID string) *domain.Subscription {
	var latest *domain.Subscription
	for _, sub := range s.subs {
		if sub.OrganizationID != organizationID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) ||
			(sub.CreatedAt.Equal(latest.CreatedAt) && sub.ID > latest.ID) {
			latest = sub
		}
	}
	return latest
}

func sortNewestFirst(subs []*domain.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID > subs[j].ID
		}
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
}
