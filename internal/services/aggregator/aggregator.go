// Package aggregator computes dashboard, analytics and status views. It
// never writes; every figure is derived on read.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/timeutil"
)

const (
	defaultActivityLimit = 20
	maxActivityLimit     = 100
	dashboardWindowDays  = 30
)

// Amount is a per-currency total.
type Amount struct {
	Currency string `json:"currency"`
	Cents    int64  `json:"amount_cents"`
	Display  string `json:"display"`
}

// TabCounts are the per-status subscription counts shown on list tabs.
type TabCounts struct {
	All         int `json:"all"`
	Trial       int `json:"trial"`
	Active      int `json:"active"`
	PastDue     int `json:"past_due"`
	GracePeriod int `json:"grace_period"`
	Cancelled   int `json:"cancelled"`
	Expired     int `json:"expired"`
}

// DashboardStats is the headline view. Revenue is SUCCESS minus REFUNDED.
type DashboardStats struct {
	GeneratedAt      time.Time       `json:"generated_at"`
	Window           timeutil.Window `json:"window"`
	Counts           TabCounts       `json:"counts"`
	MonthlyRevenue   []Amount        `json:"monthly_revenue"`
	TotalRevenue     []Amount        `json:"total_revenue"`
	NewSubscriptions int             `json:"new_subscriptions"`
	// SubscriptionGrowth compares new subscriptions with the previous window, in percent.
	SubscriptionGrowth decimal.Decimal `json:"subscription_growth_rate"`
	// RevenueGrowth is per currency; amounts in different currencies are never summed.
	RevenueGrowth map[string]decimal.Decimal `json:"revenue_growth_rate"`
}

// Analytics covers one reporting period.
type Analytics struct {
	Period           string                      `json:"period"`
	Window           timeutil.Window             `json:"window"`
	Gross            []Amount                    `json:"gross_revenue"`
	Refunded         []Amount                    `json:"refunded"`
	Net              []Amount                    `json:"net_revenue"`
	BySubscription   []ports.SubscriptionRevenue `json:"by_subscription"`
	NewSubscriptions int                         `json:"new_subscriptions"`
	Churned          int                         `json:"churned_subscriptions"`
}

// OrganizationStats counts tenants by administrative and billing standing.
type OrganizationStats struct {
	Total                   int `json:"total"`
	Active                  int `json:"active"`
	Suspended               int `json:"suspended"`
	WithLiveSubscription    int `json:"with_live_subscription"`
	WithoutLiveSubscription int `json:"without_live_subscription"`
}

// SubscriptionStatusView answers "can this tenant use the product, and for how long".
type SubscriptionStatusView struct {
	OrganizationID        string               `json:"organization_id"`
	OrganizationEnabled   bool                 `json:"organization_enabled"`
	HasActiveSubscription bool                 `json:"has_active_subscription"`
	IsInGracePeriod       bool                 `json:"is_in_grace_period"`
	DaysUntilExpiry       *int                 `json:"days_until_expiry"`
	Access                ports.AccessLevel    `json:"access"`
	Subscription          *domain.Subscription `json:"subscription"`
}

// Service is the read-only aggregator
type Service struct {
	db     ports.DB
	repos  ports.Repositories
	logger ports.Logger
}

// NewService creates a new aggregator
func NewService(db ports.DB, repos ports.Repositories, logger ports.Logger) *Service {
	return &Service{db: db, repos: repos, logger: logger}
}

// TabCounts returns per-status counts.
func (s *Service) TabCounts(ctx context.Context) (*TabCounts, error) {
	counts, err := s.countsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &counts, nil
}

func (s *Service) countsByStatus(ctx context.Context) (TabCounts, error) {
	byStatus, err := s.repos.Subscriptions.CountByStatus(ctx, s.db.Querier())
	if err != nil {
		return TabCounts{}, fmt.Errorf("count subscriptions by status: %w", err)
	}
	c := TabCounts{
		Trial:       byStatus[domain.SubscriptionStatusTrial],
		Active:      byStatus[domain.SubscriptionStatusActive],
		PastDue:     byStatus[domain.SubscriptionStatusPastDue],
		GracePeriod: byStatus[domain.SubscriptionStatusGracePeriod],
		Cancelled:   byStatus[domain.SubscriptionStatusCancelled],
		Expired:     byStatus[domain.SubscriptionStatusExpired],
	}
	c.All = c.Trial + c.Active + c.PastDue + c.GracePeriod + c.Cancelled + c.Expired
	return c, nil
}

// DashboardStats computes counts, revenue and growth over the trailing 30 days.
func (s *Service) DashboardStats(ctx context.Context, now time.Time) (*DashboardStats, error) {
	window := timeutil.TrailingDays(now, dashboardWindowDays)
	prev := window.Previous()

	var (
		counts              TabCounts
		revenue, prevRev    map[string]int64
		total               map[string]int64
		created, prevCreate int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		counts, err = s.countsByStatus(gctx)
		return err
	})
	g.Go(func() (err error) {
		revenue, err = s.netByCurrency(gctx, &window)
		return err
	})
	g.Go(func() (err error) {
		prevRev, err = s.netByCurrency(gctx, &prev)
		return err
	})
	g.Go(func() (err error) {
		total, err = s.netByCurrency(gctx, nil)
		return err
	})
	g.Go(func() (err error) {
		created, err = s.repos.Subscriptions.CountCreatedBetween(gctx, s.db.Querier(), window.From, window.To)
		return err
	})
	g.Go(func() (err error) {
		prevCreate, err = s.repos.Subscriptions.CountCreatedBetween(gctx, s.db.Querier(), prev.From, prev.To)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dashboard stats: %w", err)
	}

	growth := make(map[string]decimal.Decimal)
	for cur := range union(revenue, prevRev) {
		growth[cur] = domain.GrowthRate(revenue[cur], prevRev[cur])
	}

	return &DashboardStats{
		GeneratedAt:        now.UTC(),
		Window:             window,
		Counts:             counts,
		MonthlyRevenue:     amounts(revenue),
		TotalRevenue:       amounts(total),
		NewSubscriptions:   created,
		SubscriptionGrowth: domain.GrowthRate(int64(created), int64(prevCreate)),
		RevenueGrowth:      growth,
	}, nil
}

// netByCurrency is SUCCESS minus REFUNDED per currency, over w or all time when w is nil.
func (s *Service) netByCurrency(ctx context.Context, w *timeutil.Window) (map[string]int64, error) {
	gross, err := s.sumOutcome(ctx, domain.PaymentOutcomeSuccess, w)
	if err != nil {
		return nil, err
	}
	refunded, err := s.sumOutcome(ctx, domain.PaymentOutcomeRefunded, w)
	if err != nil {
		return nil, err
	}
	for cur, cents := range refunded {
		gross[cur] -= cents
	}
	return gross, nil
}

func (s *Service) sumOutcome(ctx context.Context, outcome domain.PaymentOutcome, w *timeutil.Window) (map[string]int64, error) {
	filter := ports.PaymentFilter{Outcome: &outcome}
	if w != nil {
		filter.From, filter.To = &w.From, &w.To
	}
	sums, err := s.repos.Payments.SumByCurrency(ctx, s.db.Querier(), filter)
	if err != nil {
		return nil, fmt.Errorf("sum %s payments: %w", outcome, err)
	}
	if sums == nil {
		sums = make(map[string]int64)
	}
	return sums, nil
}

// RecentActivity merges transitions and ledger entries, newest first. limit
// is clamped to [1, 100]; zero means the default.
func (s *Service) RecentActivity(ctx context.Context, limit int) ([]domain.Activity, error) {
	switch {
	case limit == 0:
		limit = defaultActivityLimit
	case limit < 1:
		limit = 1
	case limit > maxActivityLimit:
		limit = maxActivityLimit
	}

	transitions, err := s.repos.Transitions.Recent(ctx, s.db.Querier(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent transitions: %w", err)
	}
	payments, err := s.repos.Payments.List(ctx, s.db.Querier(), ports.PaymentFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("recent payments: %w", err)
	}

	feed := make([]domain.Activity, 0, len(transitions)+len(payments))
	for _, t := range transitions {
		feed = append(feed, domain.ActivityFromTransition(t))
	}
	for _, p := range payments {
		feed = append(feed, domain.ActivityFromPayment(p))
	}
	sort.SliceStable(feed, func(i, j int) bool { return feed[i].OccurredAt.After(feed[j].OccurredAt) })
	if len(feed) > limit {
		feed = feed[:limit]
	}
	return feed, nil
}

// AnalyticsWindow maps a period name to the window ending at now.
func AnalyticsWindow(period string, now time.Time) (timeutil.Window, error) {
	switch period {
	case "week":
		return timeutil.TrailingDays(now, 7), nil
	case "month", "":
		return timeutil.TrailingMonths(now, 1), nil
	case "quarter":
		return timeutil.TrailingMonths(now, 3), nil
	case "year":
		return timeutil.TrailingMonths(now, 12), nil
	}
	return timeutil.Window{}, domain.Validationf("unknown analytics period %q; use week, month, quarter or year", period)
}

// SubscriptionAnalytics reports revenue and subscription movement for period.
func (s *Service) SubscriptionAnalytics(ctx context.Context, period string, now time.Time) (*Analytics, error) {
	window, err := AnalyticsWindow(period, now)
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = "month"
	}

	q := s.db.Querier()
	bySub, err := s.repos.Payments.RevenueBySubscription(ctx, q, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("revenue by subscription: %w", err)
	}
	created, err := s.repos.Subscriptions.CountCreatedBetween(ctx, q, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("count new subscriptions: %w", err)
	}
	churned, err := s.repos.Subscriptions.CountEndedBetween(ctx, q, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("count churned subscriptions: %w", err)
	}

	gross := make(map[string]int64)
	refunded := make(map[string]int64)
	net := make(map[string]int64)
	for _, r := range bySub {
		gross[r.Currency] += r.GrossCents
		refunded[r.Currency] += r.RefundedCents
		net[r.Currency] += r.NetCents
	}
	if bySub == nil {
		bySub = []ports.SubscriptionRevenue{}
	}

	return &Analytics{
		Period:           period,
		Window:           window,
		Gross:            amounts(gross),
		Refunded:         amounts(refunded),
		Net:              amounts(net),
		BySubscription:   bySub,
		NewSubscriptions: created,
		Churned:          churned,
	}, nil
}

// OrganizationStats counts organizations. At most one live subscription per
// organization means live subscriptions equal organizations holding one.
func (s *Service) OrganizationStats(ctx context.Context) (*OrganizationStats, error) {
	q := s.db.Querier()
	total, err := s.repos.Organizations.Count(ctx, q, ports.OrganizationFilter{})
	if err != nil {
		return nil, fmt.Errorf("count organizations: %w", err)
	}
	suspended := domain.OrganizationStatusSuspended
	nSuspended, err := s.repos.Organizations.Count(ctx, q, ports.OrganizationFilter{Status: &suspended})
	if err != nil {
		return nil, fmt.Errorf("count suspended organizations: %w", err)
	}
	counts, err := s.countsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	live := counts.Trial + counts.Active + counts.PastDue + counts.GracePeriod

	return &OrganizationStats{
		Total:                   total,
		Active:                  total - nSuspended,
		Suspended:               nSuspended,
		WithLiveSubscription:    live,
		WithoutLiveSubscription: total - live,
	}, nil
}

// OrganizationSubscriptionStatus reports the organization's current standing.
// Without a live subscription the latest ended one is returned, if any.
func (s *Service) OrganizationSubscriptionStatus(ctx context.Context, organizationID string, now time.Time) (*SubscriptionStatusView, error) {
	q := s.db.Querier()
	org, err := s.repos.Organizations.GetByID(ctx, q, organizationID)
	if err != nil {
		return nil, err
	}

	view := &SubscriptionStatusView{
		OrganizationID:      org.ID,
		OrganizationEnabled: org.IsEnabled(),
		Access:              ports.AccessNone,
	}

	sub, err := s.repos.Subscriptions.GetLiveByOrganization(ctx, q, org.ID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		sub, err = s.repos.Subscriptions.GetLatestByOrganization(ctx, q, org.ID)
	}
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		return view, nil
	case err != nil:
		return nil, fmt.Errorf("get organization subscription: %w", err)
	}

	view.Subscription = sub
	view.HasActiveSubscription = sub.IsLive()
	view.IsInGracePeriod = sub.Status == domain.SubscriptionStatusGracePeriod
	view.Access = ports.AccessFor(sub.Status)
	if !org.IsEnabled() {
		view.Access = ports.AccessNone
	}
	if sub.IsLive() {
		if d := domain.AccessDeadline(sub); d != nil {
			days := domain.DaysUntil(*d, now)
			view.DaysUntilExpiry = &days
		}
	}
	return view, nil
}

func amounts(byCurrency map[string]int64) []Amount {
	out := make([]Amount, 0, len(byCurrency))
	for cur, cents := range byCurrency {
		out = append(out, Amount{Currency: cur, Cents: cents, Display: domain.NewMoney(cents, cur).String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

func union(a, b map[string]int64) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
