package domain

import (
	"strconv"
	"strings"
	"time"
)

// IntervalUnit defines the time unit for billing intervals
type IntervalUnit string

const (
	IntervalUnitDay   IntervalUnit = "day"
	IntervalUnitWeek  IntervalUnit = "week"
	IntervalUnitMonth IntervalUnit = "month"
	IntervalUnitYear  IntervalUnit = "year"
)

// Valid reports whether u is a supported interval unit.
func (u IntervalUnit) Valid() bool {
	switch u {
	case IntervalUnitDay, IntervalUnitWeek, IntervalUnitMonth, IntervalUnitYear:
		return true
	}
	return false
}

// Default dunning settings applied when a plan leaves them unset.
const (
	DefaultRetryBaseDelay   = 24 * time.Hour
	DefaultRetryMaxDelay    = 72 * time.Hour
	DefaultMaxRetryAttempts = 4
	DefaultGraceDays        = 7
)

// Plan is an immutable billing template. A changed price or interval is a new plan.
type Plan struct {
	CreatedAt        time.Time     `json:"created_at"`
	Features         []string      `json:"features"`
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Currency         string        `json:"currency"`
	Interval         IntervalUnit  `json:"interval"`
	AmountCents      int64         `json:"amount_cents"`
	IntervalCount    int           `json:"interval_count"`
	TrialDays        int           `json:"trial_days"`
	GraceDays        int           `json:"grace_days"`
	MaxRetryAttempts int           `json:"max_retry_attempts"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `json:"retry_max_delay"`
	Active           bool          `json:"active"`
}

// Validate rejects configurations the billing clock cannot work with.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return Validationf("plan name is required")
	}
	if p.AmountCents < 0 {
		return Validationf("plan amount must not be negative")
	}
	if len(p.Currency) != 3 {
		return Validationf("plan currency must be a three-letter ISO code")
	}
	if !p.Interval.Valid() {
		return Validationf("unknown billing interval %q", p.Interval)
	}
	if p.IntervalCount <= 0 {
		return Validationf("interval count must be positive, got %d", p.IntervalCount)
	}
	if p.TrialDays < 0 {
		return Validationf("trial days must not be negative")
	}
	if p.GraceDays < 0 {
		return Validationf("grace days must not be negative")
	}
	if p.MaxRetryAttempts < 0 {
		return Validationf("max retry attempts must not be negative")
	}
	if p.RetryBaseDelay < 0 || p.RetryMaxDelay < 0 {
		return Validationf("retry delays must not be negative")
	}
	if p.RetryMaxDelay > 0 && p.RetryBaseDelay > p.RetryMaxDelay {
		return Validationf("retry base delay exceeds max delay")
	}
	return nil
}

// ApplyDefaults fills unset dunning settings and normalizes the currency code.
func (p *Plan) ApplyDefaults() {
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.IntervalCount == 0 {
		p.IntervalCount = 1
	}
	if p.RetryBaseDelay == 0 {
		p.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if p.RetryMaxDelay == 0 {
		p.RetryMaxDelay = DefaultRetryMaxDelay
		if p.RetryBaseDelay > p.RetryMaxDelay {
			p.RetryMaxDelay = p.RetryBaseDelay
		}
	}
	if p.MaxRetryAttempts == 0 {
		p.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
}

// IsFree reports whether the plan never charges.
func (p *Plan) IsFree() bool {
	return p.AmountCents == 0
}

// HasTrial reports whether new subscriptions start in TRIAL.
func (p *Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// TrialDuration is the trial length as a duration.
func (p *Plan) TrialDuration() time.Duration {
	return time.Duration(p.TrialDays) * 24 * time.Hour
}

// GraceWindow is how long PAST_DUE and GRACE_PERIOD each last.
func (p *Plan) GraceWindow() time.Duration {
	return time.Duration(p.GraceDays) * 24 * time.Hour
}

// Price returns the plan amount as money.
func (p *Plan) Price() Money {
	return NewMoney(p.AmountCents, p.Currency)
}

// IntervalDescription returns a human-readable interval description
func (p *Plan) IntervalDescription() string {
	if p.IntervalCount == 1 {
		return string(p.Interval)
	}
	return strconv.Itoa(p.IntervalCount) + " " + string(p.Interval) + "s"
}
