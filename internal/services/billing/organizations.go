package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// CreateOrganizationInput describes a new tenant.
type CreateOrganizationInput struct {
	Name        string `json:"name"`
	CustomerRef string `json:"customer_ref"`
}

// OrganizationSummary is one row of the organization listing.
type OrganizationSummary struct {
	*domain.Organization
	Subscription *domain.Subscription `json:"subscription"`
}

// OrganizationDetails is the full billing picture of one tenant.
type OrganizationDetails struct {
	Organization   *domain.Organization    `json:"organization"`
	Subscription   *domain.Subscription    `json:"subscription"`
	Plan           *domain.Plan            `json:"plan"`
	RecentPayments []*domain.PaymentRecord `json:"recent_payments"`
	History        []*domain.Transition    `json:"history"`
}

// CreateOrganization registers a tenant. The customer reference must be unique.
func (s *Service) CreateOrganization(ctx context.Context, in CreateOrganizationInput) (*domain.Organization, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Validationf("organization name is required")
	}
	ref := strings.TrimSpace(in.CustomerRef)
	if ref == "" {
		return nil, domain.Validationf("customer reference is required")
	}

	now := s.now()
	org := &domain.Organization{
		ID:          uuid.New().String(),
		Name:        name,
		CustomerRef: ref,
		Status:      domain.OrganizationStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repos.Organizations.Create(ctx, s.db.Querier(), org); err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}

	s.logger.Info("organization created",
		ports.String("organization_id", org.ID),
		ports.String("customer_ref", org.CustomerRef))
	return org, nil
}

// EnableOrganization lifts an administrative suspension. Billing status is untouched.
func (s *Service) EnableOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	return s.updateOrganization(ctx, id, "", func(org *domain.Organization) bool {
		return org.Enable(s.now())
	})
}

// DisableOrganization suspends tenant access. Billing continues independently.
func (s *Service) DisableOrganization(ctx context.Context, id, reason string) (*domain.Organization, error) {
	reason = strings.TrimSpace(reason)
	return s.updateOrganization(ctx, id, reason, func(org *domain.Organization) bool {
		return org.Disable(reason, s.now())
	})
}

func (s *Service) updateOrganization(ctx context.Context, id, reason string, mutate func(*domain.Organization) bool) (*domain.Organization, error) {
	org, err := s.repos.Organizations.GetByID(ctx, s.db.Querier(), id)
	if err != nil {
		return nil, err
	}
	previous := org.Status
	if !mutate(org) {
		return org, nil
	}
	if err := s.repos.Organizations.Update(ctx, s.db.Querier(), org); err != nil {
		return nil, fmt.Errorf("update organization: %w", err)
	}
	s.logger.Info("organization access changed",
		ports.String("organization_id", org.ID),
		ports.String("status", string(org.Status)))
	if org.Status != previous {
		s.notifyGate(ctx, org, reason)
	}
	return org, nil
}

// notifyGate tells the gate about a suspension or its lifting. Delivery
// problems are logged; the organization change stands.
func (s *Service) notifyGate(ctx context.Context, org *domain.Organization, reason string) {
	if s.gate == nil {
		return
	}
	n := ports.StatusNotification{
		OccurredAt:         s.now(),
		OrganizationID:     org.ID,
		OrganizationStatus: org.Status,
		Access:             ports.AccessFull,
		Reason:             reason,
	}
	sub, err := s.currentSubscription(ctx, org.ID)
	if err != nil {
		s.logger.Warn("load subscription for gate notification", ports.String("organization_id", org.ID), ports.Err(err))
	}
	if sub != nil {
		n.SubscriptionID = sub.ID
		n.Status = sub.Status
		n.Access = ports.AccessFor(sub.Status)
	}
	if org.Status == domain.OrganizationStatusSuspended {
		n.Access = ports.AccessNone
	}
	if err := s.gate.Notify(ctx, n); err != nil {
		s.logger.Warn("status gate notification failed",
			ports.String("organization_id", org.ID),
			ports.String("organization_status", string(org.Status)),
			ports.Err(err))
	}
}

// ListOrganizations returns a page of organizations with their latest subscription.
func (s *Service) ListOrganizations(ctx context.Context, filter ports.OrganizationFilter) ([]OrganizationSummary, int, error) {
	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset)
	q := s.db.Querier()

	orgs, err := s.repos.Organizations.List(ctx, q, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list organizations: %w", err)
	}
	total, err := s.repos.Organizations.Count(ctx, q, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count organizations: %w", err)
	}

	out := make([]OrganizationSummary, 0, len(orgs))
	for _, org := range orgs {
		sub, err := s.currentSubscription(ctx, org.ID)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, OrganizationSummary{Organization: org, Subscription: sub})
	}
	return out, total, nil
}

// OrganizationDetails returns the organization, its current subscription and plan,
// the latest payments and the subscription's transition history.
func (s *Service) OrganizationDetails(ctx context.Context, id string) (*OrganizationDetails, error) {
	q := s.db.Querier()
	org, err := s.repos.Organizations.GetByID(ctx, q, id)
	if err != nil {
		return nil, err
	}
	details := &OrganizationDetails{
		Organization:   org,
		RecentPayments: []*domain.PaymentRecord{},
		History:        []*domain.Transition{},
	}

	sub, err := s.currentSubscription(ctx, org.ID)
	if err != nil || sub == nil {
		return details, err
	}
	details.Subscription = sub

	if details.Plan, err = s.repos.Plans.GetByID(ctx, q, sub.PlanID); err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	payments, err := s.repos.Payments.List(ctx, q, ports.PaymentFilter{SubscriptionID: sub.ID, Limit: 10})
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if payments != nil {
		details.RecentPayments = payments
	}
	history, err := s.repos.Transitions.ListBySubscription(ctx, q, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	if history != nil {
		details.History = history
	}
	return details, nil
}

// currentSubscription is the live subscription, else the most recent one, else nil.
func (s *Service) currentSubscription(ctx context.Context, orgID string) (*domain.Subscription, error) {
	q := s.db.Querier()
	sub, err := s.repos.Subscriptions.GetLiveByOrganization(ctx, q, orgID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		sub, err = s.repos.Subscriptions.GetLatestByOrganization(ctx, q, orgID)
	}
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get subscription for %s: %w", orgID, err)
	}
	return sub, nil
}
