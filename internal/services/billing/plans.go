package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// CreatePlanInput describes a plan. Amount is in major units ("29.99").
type CreatePlanInput struct {
	Name             string   `json:"name"`
	Amount           string   `json:"amount"`
	Currency         string   `json:"currency"`
	Interval         string   `json:"interval"`
	IntervalCount    int      `json:"interval_count"`
	TrialDays        int      `json:"trial_days"`
	GraceDays        *int     `json:"grace_days"`
	MaxRetryAttempts int      `json:"max_retry_attempts"`
	RetryBaseDelay   string   `json:"retry_base_delay"`
	RetryMaxDelay    string   `json:"retry_max_delay"`
	Features         []string `json:"features"`
}

// CreatePlan validates and stores a plan. Plans are immutable once created.
func (s *Service) CreatePlan(ctx context.Context, in CreatePlanInput) (*domain.Plan, error) {
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	cents, err := domain.ParseMajorUnits(in.Amount, currency)
	if err != nil {
		return nil, err
	}

	plan := &domain.Plan{
		ID:               uuid.New().String(),
		Name:             strings.TrimSpace(in.Name),
		AmountCents:      cents,
		Currency:         currency,
		Interval:         domain.IntervalUnit(strings.ToLower(in.Interval)),
		IntervalCount:    in.IntervalCount,
		TrialDays:        in.TrialDays,
		GraceDays:        domain.DefaultGraceDays,
		MaxRetryAttempts: in.MaxRetryAttempts,
		Features:         in.Features,
		Active:           true,
		CreatedAt:        s.now(),
	}
	if in.GraceDays != nil {
		plan.GraceDays = *in.GraceDays
	}
	if plan.RetryBaseDelay, err = parseDelay("retry_base_delay", in.RetryBaseDelay); err != nil {
		return nil, err
	}
	if plan.RetryMaxDelay, err = parseDelay("retry_max_delay", in.RetryMaxDelay); err != nil {
		return nil, err
	}
	if plan.Features == nil {
		plan.Features = []string{}
	}

	plan.ApplyDefaults()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := s.repos.Plans.Create(ctx, s.db.Querier(), plan); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}

	s.logger.Info("plan created",
		ports.String("plan_id", plan.ID),
		ports.String("price", plan.Price().String()),
		ports.String("interval", plan.IntervalDescription()))
	return plan, nil
}

// ListPlans returns plans, optionally only the active ones.
func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]*domain.Plan, error) {
	plans, err := s.repos.Plans.List(ctx, s.db.Querier(), activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	if plans == nil {
		plans = []*domain.Plan{}
	}
	return plans, nil
}

// parseDelay accepts Go duration strings. Empty means "use the default".
func parseDelay(field, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, domain.Validationf("%s must be a positive duration such as 24h, got %q", field, v)
	}
	return d, nil
}
