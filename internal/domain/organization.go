package domain

import "time"

// OrganizationStatus is the administrative access gate, independent of billing.
type OrganizationStatus string

const (
	OrganizationStatusActive    OrganizationStatus = "active"
	OrganizationStatusSuspended OrganizationStatus = "suspended"
)

// Organization is a tenant that owns at most one live subscription.
type Organization struct {
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	DisabledAt     *time.Time         `json:"disabled_at,omitempty"`
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	CustomerRef    string             `json:"customer_ref"`
	Status         OrganizationStatus `json:"status"`
	DisabledReason string             `json:"disabled_reason,omitempty"`
}

// IsEnabled reports whether tenant access is administratively allowed.
func (o *Organization) IsEnabled() bool {
	return o.Status == OrganizationStatusActive
}

// Enable clears any administrative suspension. It reports whether anything changed.
func (o *Organization) Enable(now time.Time) bool {
	if o.Status == OrganizationStatusActive {
		return false
	}
	o.Status = OrganizationStatusActive
	o.DisabledAt = nil
	o.DisabledReason = ""
	o.UpdatedAt = now
	return true
}

// Disable suspends tenant access. A repeated disable keeps the original
// timestamp and only refreshes the reason.
func (o *Organization) Disable(reason string, now time.Time) bool {
	if o.Status == OrganizationStatusSuspended {
		if reason == "" || reason == o.DisabledReason {
			return false
		}
		o.DisabledReason = reason
		o.UpdatedAt = now
		return true
	}
	o.Status = OrganizationStatusSuspended
	o.DisabledAt = TimePtr(now)
	o.DisabledReason = reason
	o.UpdatedAt = now
	return true
}
