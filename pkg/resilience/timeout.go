package resilience

import (
	"context"
	"time"
)

// TimeoutConfig defines timeout values for the engine's timeout hierarchy
//
// Timeout Hierarchy (from outermost to innermost):
//
//	HTTP Handler (60s) / Cron Job (5m)
//	  ↓
//	Per-subscription evaluation (45s)
//	  ↓
//	External API (20s - payment provider)
//	  ↓
//	Gate delivery attempt (10s)
//
// Each layer completes before its parent times out, so a slow provider
// call surfaces as PROVIDER_TIMEOUT instead of a cancelled transaction.
type TimeoutConfig struct {
	// Handler layer
	HTTPHandler time.Duration
	CronJob     time.Duration

	// Service layer
	Evaluation time.Duration // One subscription's read-charge-commit cycle

	// Adapter layer
	ExternalAPI  time.Duration // Payment provider calls
	GateDelivery time.Duration // Organization gate notification, per attempt
}

// DefaultTimeoutConfig returns production timeout values
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPHandler:  60 * time.Second,
		CronJob:      5 * time.Minute,
		Evaluation:   45 * time.Second,
		ExternalAPI:  20 * time.Second,
		GateDelivery: 10 * time.Second,
	}
}

// TestTimeoutConfig returns shorter timeouts for testing
func TestTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPHandler:  5 * time.Second,
		CronJob:      30 * time.Second,
		Evaluation:   3 * time.Second,
		ExternalAPI:  1 * time.Second,
		GateDelivery: 1 * time.Second,
	}
}

// HandlerContext creates a context with timeout for HTTP handlers
func (tc *TimeoutConfig) HandlerContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.HTTPHandler)
}

// CronContext creates a context with timeout for sweeps and reconciliation
func (tc *TimeoutConfig) CronContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.CronJob)
}

// EvaluationContext bounds one subscription evaluation inside a sweep
func (tc *TimeoutConfig) EvaluationContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Evaluation)
}

// ExternalAPIContext creates a context for payment provider calls
func (tc *TimeoutConfig) ExternalAPIContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.ExternalAPI)
}

// GateContext creates a context for a single gate delivery attempt
func (tc *TimeoutConfig) GateContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.GateDelivery)
}
