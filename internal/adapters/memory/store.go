// Package memory is a transactional in-memory implementation of the
// repository ports. It backs unit tests and database-less development runs.
package memory

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// Store holds every table. Write transactions are serialized by txMu and
// rolled back by restoring a snapshot; individual reads and writes take mu.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	orgs        map[string]*domain.Organization
	plans       map[string]*domain.Plan
	subs        map[string]*domain.Subscription
	payments    map[string]*paymentRow
	refs        map[string]string
	transitions []*domain.Transition
	seq         int64
}

type paymentRow struct {
	rec *domain.PaymentRecord
	seq int64
}

type snapshot struct {
	orgs        map[string]*domain.Organization
	plans       map[string]*domain.Plan
	subs        map[string]*domain.Subscription
	payments    map[string]*paymentRow
	refs        map[string]string
	transitions []*domain.Transition
	seq         int64
}

var _ ports.DB = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		orgs:     make(map[string]*domain.Organization),
		plans:    make(map[string]*domain.Plan),
		subs:     make(map[string]*domain.Subscription),
		payments: make(map[string]*paymentRow),
		refs:     make(map[string]string),
	}
}

// WithTransaction runs fn with all other transactions excluded and restores
// the previous state if fn fails or panics.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		}
		if err != nil {
			s.restore(snap)
		}
	}()

	return fn(ctx, nil)
}

// WithReadOnlyTransaction runs fn with write transactions excluded.
func (s *Store) WithReadOnlyTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, nil)
}

// Querier returns nil; memory repositories ignore the executor.
func (s *Store) Querier() ports.DBTX { return nil }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Organizations returns the organization repository.
func (s *Store) Organizations() ports.OrganizationRepository { return &organizationRepo{s} }

// Plans returns the plan repository.
func (s *Store) Plans() ports.PlanRepository { return &planRepo{s} }

// Subscriptions returns the subscription repository.
func (s *Store) Subscriptions() ports.SubscriptionRepository { return &subscriptionRepo{s} }

// Payments returns the ledger repository.
func (s *Store) Payments() ports.PaymentRepository { return &paymentRepo{s} }

// Transitions returns the transition log repository.
func (s *Store) Transitions() ports.TransitionRepository { return &transitionRepo{s} }

func (s *Store) snapshot() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &snapshot{
		orgs:        make(map[string]*domain.Organization, len(s.orgs)),
		plans:       make(map[string]*domain.Plan, len(s.plans)),
		subs:        make(map[string]*domain.Subscription, len(s.subs)),
		payments:    make(map[string]*paymentRow, len(s.payments)),
		refs:        make(map[string]string, len(s.refs)),
		transitions: append([]*domain.Transition(nil), s.transitions...),
		seq:         s.seq,
	}
	for k, v := range s.orgs {
		o := *v
		snap.orgs[k] = &o
	}
	for k, v := range s.plans {
		snap.plans[k] = v
	}
	for k, v := range s.subs {
		snap.subs[k] = v.Clone()
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	for k, v := range s.refs {
		snap.refs[k] = v
	}
	return snap
}

func (s *Store) restore(snap *snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs = snap.orgs
	s.plans = snap.plans
	s.subs = snap.subs
	s.payments = snap.payments
	s.refs = snap.refs
	s.transitions = snap.transitions
	s.seq = snap.seq
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Repositories returns every repository bound to this store.
func (s *Store) Repositories() ports.Repositories {
	return ports.Repositories{
		Organizations: s.Organizations(),
		Plans:         s.Plans(),
		Subscriptions: s.Subscriptions(),
		Payments:      s.Payments(),
		Transitions:   s.Transitions(),
	}
}
