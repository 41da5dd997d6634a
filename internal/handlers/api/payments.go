package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/billing"
)

func paymentFilter(r *http.Request) (ports.PaymentFilter, error) {
	q := r.URL.Query()
	limit, offset, err := page(r)
	if err != nil {
		return ports.PaymentFilter{}, err
	}
	f := ports.PaymentFilter{
		SubscriptionID: q.Get("subscription_id"),
		OrganizationID: q.Get("organization_id"),
		Limit:          limit,
		Offset:         offset,
	}
	if v := q.Get("outcome"); v != "" {
		outcome := domain.PaymentOutcome(strings.ToUpper(v))
		if !outcome.Valid() {
			return f, domain.Validationf("unknown payment outcome %q", v)
		}
		f.Outcome = &outcome
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, domain.Validationf("%s must be an RFC 3339 timestamp", name)
		}
		*dst = &t
	}
	return f, nil
}

// ListPayments handles GET /api/v1/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	filter, err := paymentFilter(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	records, total, err := h.billing.ListPayments(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, listResponse{Data: records, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

// FailedPayments handles GET /api/v1/payments/failed
func (h *Handler) FailedPayments(w http.ResponseWriter, r *http.Request) {
	filter, err := paymentFilter(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	records, total, err := h.billing.FailedPayments(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, listResponse{Data: records, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

// RetryPayment handles POST /api/v1/payments/{id}/retry
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	sub, err := h.billing.RetryFailedPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, sub)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// RefundPayment handles POST /api/v1/payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	refund, err := h.billing.RefundPayment(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, refund)
}

// ListPlans handles GET /api/v1/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	plans, err := h.billing.ListPlans(r.Context(), activeOnly)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"data": plans})
}

// CreatePlan handles POST /api/v1/plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req billing.CreatePlanInput
	if !h.decode(w, r, &req) {
		return
	}
	plan, err := h.billing.CreatePlan(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, plan)
}
