package domain

import (
	"math"
	"time"
)

// The billing clock: pure predicates over a subscription snapshot and an instant.
// Nothing here reads the wall clock.

// IsTrialExpired reports whether a TRIAL subscription has reached its trial end.
func IsTrialExpired(s *Subscription, now time.Time) bool {
	return s.Status == SubscriptionStatusTrial && s.TrialEnd != nil && !now.Before(*s.TrialEnd)
}

// IsPeriodExpired reports whether an ACTIVE subscription has reached its period end.
func IsPeriodExpired(s *Subscription, now time.Time) bool {
	return s.Status == SubscriptionStatusActive && !s.CurrentPeriodEnd.IsZero() && !now.Before(s.CurrentPeriodEnd)
}

// IsGraceExpired reports whether the grace deadline has strictly passed. The
// comparison is strict so a zero-length window set at now cannot fire at now.
func IsGraceExpired(s *Subscription, now time.Time) bool {
	if s.Status != SubscriptionStatusPastDue && s.Status != SubscriptionStatusGracePeriod {
		return false
	}
	return s.GracePeriodEnd != nil && now.After(*s.GracePeriodEnd)
}

// IsRetryDue reports whether a PAST_DUE subscription's next dunning attempt is due.
func IsRetryDue(s *Subscription, now time.Time) bool {
	return s.Status == SubscriptionStatusPastDue && s.NextRetryAt != nil && !now.Before(*s.NextRetryAt)
}

// NextDeadline is the earliest instant at which the sweeper has work for s.
// It is zero for terminal subscriptions.
func NextDeadline(s *Subscription) time.Time {
	switch s.Status {
	case SubscriptionStatusTrial:
		if s.TrialEnd != nil {
			return *s.TrialEnd
		}
	case SubscriptionStatusActive:
		return s.CurrentPeriodEnd
	case SubscriptionStatusPastDue:
		return earliest(s.GracePeriodEnd, s.NextRetryAt)
	case SubscriptionStatusGracePeriod:
		if s.GracePeriodEnd != nil {
			return *s.GracePeriodEnd
		}
	}
	return time.Time{}
}

// AccessDeadline is the instant the tenant loses its current standing if
// nothing else happens: trial end, period end, or grace end.
func AccessDeadline(s *Subscription) *time.Time {
	switch s.Status {
	case SubscriptionStatusTrial:
		return s.TrialEnd
	case SubscriptionStatusActive:
		if s.CurrentPeriodEnd.IsZero() {
			return nil
		}
		end := s.CurrentPeriodEnd
		return &end
	case SubscriptionStatusPastDue, SubscriptionStatusGracePeriod:
		return s.GracePeriodEnd
	}
	return nil
}

// DaysUntil returns whole days from now to deadline, rounded up and never negative.
func DaysUntil(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// NextPeriodBounds returns [start, end) for one billing period beginning at start.
func NextPeriodBounds(start time.Time, unit IntervalUnit, count, anchorDay int) (time.Time, time.Time) {
	return start, NextPeriodEnd(start, unit, count, anchorDay)
}

// NextPeriodEnd adds count intervals to start in calendar arithmetic. Month
// and year intervals land on anchorDay, clamped to the last day of shorter
// months, so a subscription anchored on the 31st bills Jan 31, Feb 28, Mar 31.
func NextPeriodEnd(start time.Time, unit IntervalUnit, count, anchorDay int) time.Time {
	start = start.UTC()
	if anchorDay <= 0 {
		anchorDay = start.Day()
	}
	switch unit {
	case IntervalUnitDay:
		return start.AddDate(0, 0, count)
	case IntervalUnitWeek:
		return start.AddDate(0, 0, 7*count)
	case IntervalUnitYear:
		return addMonths(start, 12*count, anchorDay)
	default:
		return addMonths(start, count, anchorDay)
	}
}

func addMonths(t time.Time, months, anchorDay int) time.Time {
	total := int(t.Month()) - 1 + months
	year := t.Year() + total/12
	month := time.Month(total%12 + 1)
	day := anchorDay
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func earliest(a, b *time.Time) time.Time {
	switch {
	case a == nil && b == nil:
		return time.Time{}
	case a == nil:
		return *b
	case b == nil:
		return *a
	case b.Before(*a):
		return *b
	}
	return *a
}
