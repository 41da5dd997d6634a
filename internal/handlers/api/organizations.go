package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/billing"
)

// ListOrganizations handles GET /api/v1/organizations
func (h *Handler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	filter := ports.OrganizationFilter{
		Search: strings.TrimSpace(r.URL.Query().Get("search")),
		Limit:  limit,
		Offset: offset,
	}

	if v := r.URL.Query().Get("status"); v != "" {
		status := domain.OrganizationStatus(strings.ToLower(v))
		if status != domain.OrganizationStatusActive && status != domain.OrganizationStatusSuspended {
			h.respondError(w, r, domain.Validationf("unknown organization status %q", v))
			return
		}
		filter.Status = &status
	}
	if v := r.URL.Query().Get("billing_status"); v != "" {
		status, err := domain.ParseSubscriptionStatus(v)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		filter.BillingStatus = &status
	}

	rows, total, err := h.billing.ListOrganizations(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, listResponse{Data: rows, Total: total, Limit: limit, Offset: offset})
}

// CreateOrganization handles POST /api/v1/organizations
func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateOrganizationInput
	if !h.decode(w, r, &req) {
		return
	}
	org, err := h.billing.CreateOrganization(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, org)
}

// OrganizationStats handles GET /api/v1/organizations/stats
func (h *Handler) OrganizationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.OrganizationStats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, stats)
}

// OrganizationSubscription handles GET /api/v1/organizations/{id}/subscription
func (h *Handler) OrganizationSubscription(w http.ResponseWriter, r *http.Request) {
	details, err := h.billing.OrganizationDetails(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, details)
}

// OrganizationSubscriptionStatus handles GET /api/v1/organizations/{id}/subscription/status
func (h *Handler) OrganizationSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.stats.OrganizationSubscriptionStatus(r.Context(), mux.Vars(r)["id"], h.now())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, view)
}

// EnableOrganization handles POST /api/v1/organizations/{id}/enable
func (h *Handler) EnableOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.billing.EnableOrganization(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, org)
}

type disableRequest struct {
	Reason string `json:"reason"`
}

// DisableOrganization handles POST /api/v1/organizations/{id}/disable
func (h *Handler) DisableOrganization(w http.ResponseWriter, r *http.Request) {
	var req disableRequest
	if !h.decode(w, r, &req) {
		return
	}
	org, err := h.billing.DisableOrganization(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, org)
}

// CreateOrganizationSubscription handles POST /api/v1/organizations/{id}/subscriptions
func (h *Handler) CreateOrganizationSubscription(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateSubscriptionInput
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.billing.CreateOrganizationSubscription(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, sub)
}
