package ports

import (
	"context"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
)

// AccessLevel is what the organization gate should grant a tenant.
type AccessLevel string

const (
	AccessFull     AccessLevel = "full"
	AccessReadOnly AccessLevel = "read_only"
	AccessNone     AccessLevel = "none"
)

// AccessFor maps a billing status to tenant access.
func AccessFor(status domain.SubscriptionStatus) AccessLevel {
	switch status {
	case domain.SubscriptionStatusGracePeriod:
		return AccessReadOnly
	case domain.SubscriptionStatusCancelled, domain.SubscriptionStatusExpired:
		return AccessNone
	}
	return AccessFull
}

// StatusNotification tells the organization gate about a billing status
// change or an administrative suspension. OrganizationStatus is set only on
// the latter, where Status is the current billing status, if any.
type StatusNotification struct {
	OccurredAt         time.Time                 `json:"occurred_at"`
	OrganizationID     string                    `json:"organization_id"`
	SubscriptionID     string                    `json:"subscription_id,omitempty"`
	Previous           domain.SubscriptionStatus `json:"previous_status,omitempty"`
	Status             domain.SubscriptionStatus `json:"status,omitempty"`
	OrganizationStatus domain.OrganizationStatus `json:"organization_status,omitempty"`
	Access             AccessLevel               `json:"access"`
	Reason             string                    `json:"reason,omitempty"`
}

// StatusGate is the external collaborator that enables or disables tenant access.
type StatusGate interface {
	Notify(ctx context.Context, n StatusNotification) error
}

// Locker hands out short leases so periodic jobs on several replicas do not stack.
type Locker interface {
	// TryLock returns acquired=false without error when another holder has the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// Secret represents a retrieved secret with metadata
type Secret struct {
	Metadata  map[string]string
	Value     string
	Version   string
	CreatedAt string
}

// SecretManager retrieves provider credentials and signing keys.
// Path format depends on the backend:
//   - AWS: "tenant-billing/stripe/api-key"
//   - Vault: "secret/data/tenant-billing/stripe" (value under the "value" key)
//   - Local: a file path relative to the base directory
type SecretManager interface {
	GetSecret(ctx context.Context, path string) (*Secret, error)
}

// Clock supplies the current instant. Services never call time.Now directly.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }
