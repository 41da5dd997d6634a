package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kevin07696/tenant-billing/internal/services/billing"
)

// CreateSubscription handles POST /api/v1/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateSubscriptionInput
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.billing.CreateSubscription(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, sub)
}

// GetSubscription handles GET /api/v1/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.billing.GetSubscription(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, sub)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelSubscription handles POST /api/v1/subscriptions/{id}/cancel
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.billing.CancelSubscription(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, sub)
}

// Analytics handles GET /api/v1/subscriptions/analytics
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.stats.SubscriptionAnalytics(r.Context(), r.URL.Query().Get("period"), h.now())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, a)
}

// DashboardStats handles GET /api/v1/subscriptions/dashboard-stats
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.DashboardStats(r.Context(), h.now())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, stats)
}

// RecentActivity handles GET /api/v1/subscriptions/recent-activity
func (h *Handler) RecentActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	activity, err := h.stats.RecentActivity(r.Context(), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"data": activity})
}

// TabCounts handles GET /api/v1/subscriptions/tab-counts
func (h *Handler) TabCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.stats.TabCounts(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, counts)
}
