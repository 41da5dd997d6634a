// Package cache keeps immutable plans close to the sweep workers.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// PlanRepository decorates a plan repository with an expiring LRU keyed by id.
// Plans are never updated, so a cached entry can only go stale by expiring.
type PlanRepository struct {
	inner ports.PlanRepository
	lru   *expirable.LRU[string, *domain.Plan]
}

var _ ports.PlanRepository = (*PlanRepository)(nil)

// NewPlanRepository wraps inner. size <= 0 defaults to 256.
func NewPlanRepository(inner ports.PlanRepository, size int, ttl time.Duration) *PlanRepository {
	if size <= 0 {
		size = 256
	}
	return &PlanRepository{
		inner: inner,
		lru:   expirable.NewLRU[string, *domain.Plan](size, nil, ttl),
	}
}

// Create passes through. The new plan is not cached because the enclosing
// transaction may still roll back.
func (r *PlanRepository) Create(ctx context.Context, db ports.DBTX, plan *domain.Plan) error {
	return r.inner.Create(ctx, db, plan)
}

// GetByID serves from the cache and fills it on miss
func (r *PlanRepository) GetByID(ctx context.Context, db ports.DBTX, id string) (*domain.Plan, error) {
	if p, ok := r.lru.Get(id); ok {
		return clonePlan(p), nil
	}
	p, err := r.inner.GetByID(ctx, db, id)
	if err != nil {
		return nil, err
	}
	r.lru.Add(id, clonePlan(p))
	return p, nil
}

// List always reads through; listings are rare and must see new plans.
func (r *PlanRepository) List(ctx context.Context, db ports.DBTX, activeOnly bool) ([]*domain.Plan, error) {
	return r.inner.List(ctx, db, activeOnly)
}

// Len reports the number of cached plans
func (r *PlanRepository) Len() int {
	return r.lru.Len()
}

func clonePlan(p *domain.Plan) *domain.Plan {
	c := *p
	c.Features = append([]string(nil), p.Features...)
	return &c
}
