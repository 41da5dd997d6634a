package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

type organizationRepo struct{ s *Store }

func (r *organizationRepo) Create(_ context.Context, _ ports.DBTX, org *domain.Organization) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.orgs[org.ID]; ok {
		return domain.Validationf("organization %s already exists", org.ID)
	}
	if org.CustomerRef != "" {
		for _, o := range r.s.orgs {
			if o.CustomerRef == org.CustomerRef {
				return domain.Validationf("customer reference %s is already assigned", org.CustomerRef)
			}
		}
	}
	c := *org
	r.s.orgs[org.ID] = &c
	return nil
}

func (r *organizationRepo) GetByID(_ context.Context, _ ports.DBTX, id string) (*domain.Organization, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	o, ok := r.s.orgs[id]
	if !ok {
		return nil, domain.ErrOrganizationNotFound
	}
	c := *o
	return &c, nil
}

func (r *organizationRepo) GetByCustomerRef(_ context.Context, _ ports.DBTX, customerRef string) (*domain.Organization, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, o := range r.s.orgs {
		if o.CustomerRef == customerRef {
			c := *o
			return &c, nil
		}
	}
	return nil, domain.ErrOrganizationNotFound
}

func (r *organizationRepo) Update(_ context.Context, _ ports.DBTX, org *domain.Organization) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.orgs[org.ID]; !ok {
		return domain.ErrOrganizationNotFound
	}
	c := *org
	r.s.orgs[org.ID] = &c
	return nil
}

func (r *organizationRepo) List(_ context.Context, _ ports.DBTX, filter ports.OrganizationFilter) ([]*domain.Organization, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	matched := r.filter(filter)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, filter.Limit, filter.Offset), nil
}

func (r *organizationRepo) Count(_ context.Context, _ ports.DBTX, filter ports.OrganizationFilter) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.filter(filter)), nil
}

// filter must be called with mu held.
func (r *organizationRepo) filter(f ports.OrganizationFilter) []*domain.Organization {
	var out []*domain.Organization
	search := strings.ToLower(f.Search)
	for _, o := range r.s.orgs {
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(o.Name), search) {
			continue
		}
		if f.BillingStatus != nil {
			latest := r.s.latestSubscription(o.ID)
			if latest == nil || latest.Status != *f.BillingStatus {
				continue
			}
		}
		c := *o
		out = append(out, &c)
	}
	return out
}

type planRepo struct{ s *Store }

func (r *planRepo) Create(_ context.Context, _ ports.DBTX, plan *domain.Plan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.plans[plan.ID]; ok {
		return domain.Validationf("plan %s already exists", plan.ID)
	}
	c := *plan
	c.Features = append([]string(nil), plan.Features...)
	r.s.plans[plan.ID] = &c
	return nil
}

func (r *planRepo) GetByID(_ context.Context, _ ports.DBTX, id string) (*domain.Plan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.plans[id]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	c := *p
	return &c, nil
}

func (r *planRepo) List(_ context.Context, _ ports.DBTX, activeOnly bool) ([]*domain.Plan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*domain.Plan
	for _, p := range r.s.plans {
		if activeOnly && !p.Active {
			continue
		}
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AmountCents == out[j].AmountCents {
			return out[i].Name < out[j].Name
		}
		return out[i].AmountCents < out[j].AmountCents
	})
	return out, nil
}
