package billing

import (
	"context"
	"strings"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/services/lifecycle"
)

// CreateSubscriptionInput is the request body for both subscription creation routes.
type CreateSubscriptionInput struct {
	CustomerID        string                 `json:"customer_id"`
	PlanID            string                 `json:"plan_id"`
	AuthorizationCode string                 `json:"authorization_code"`
	StartDate         *time.Time             `json:"start_date"`
	Metadata          map[string]interface{} `json:"metadata"`
}

// CreateSubscription resolves the customer to its organization and subscribes it.
func (s *Service) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*domain.Subscription, error) {
	ref := strings.TrimSpace(in.CustomerID)
	if ref == "" {
		return nil, domain.Validationf("customer_id is required")
	}
	org, err := s.repos.Organizations.GetByCustomerRef(ctx, s.db.Querier(), ref)
	if err != nil {
		return nil, err
	}
	return s.CreateOrganizationSubscription(ctx, org.ID, in)
}

// CreateOrganizationSubscription subscribes an organization to a plan.
func (s *Service) CreateOrganizationSubscription(ctx context.Context, orgID string, in CreateSubscriptionInput) (*domain.Subscription, error) {
	if strings.TrimSpace(in.PlanID) == "" {
		return nil, domain.Validationf("plan_id is required")
	}
	return s.lifecycle.Create(ctx, lifecycle.CreateInput{
		OrganizationID:    orgID,
		PlanID:            in.PlanID,
		AuthorizationCode: in.AuthorizationCode,
		StartDate:         in.StartDate,
		Metadata:          in.Metadata,
	})
}

// CancelSubscription cancels a subscription on an administrator's request.
func (s *Service) CancelSubscription(ctx context.Context, id, reason string) (*domain.Subscription, error) {
	return s.lifecycle.Cancel(ctx, id, reason, domain.TriggerAdmin)
}

// GetSubscription returns one subscription.
func (s *Service) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.repos.Subscriptions.GetByID(ctx, s.db.Querier(), id)
}
