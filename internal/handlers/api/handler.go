// Package api serves the administrative billing API over HTTP JSON.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/aggregator"
	"github.com/kevin07696/tenant-billing/internal/services/billing"
	"github.com/kevin07696/tenant-billing/pkg/encoding"
)

// maxBodyBytes bounds request bodies on every mutating route.
const maxBodyBytes = 1 << 20

// Handler exposes the billing and reporting services.
type Handler struct {
	billing *billing.Service
	stats   *aggregator.Service
	clock   ports.Clock
	logger  *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(billingSvc *billing.Service, stats *aggregator.Service, clock ports.Clock, logger *zap.Logger) *Handler {
	return &Handler{
		billing: billingSvc,
		stats:   stats,
		clock:   clock,
		logger:  logger,
	}
}

// Register mounts the API routes under /api/v1 and returns that subrouter
// so callers can attach API-only middleware.
func (h *Handler) Register(r *mux.Router) *mux.Router {
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/organizations", h.ListOrganizations).Methods(http.MethodGet)
	v1.HandleFunc("/organizations", h.CreateOrganization).Methods(http.MethodPost)
	v1.HandleFunc("/organizations/stats", h.OrganizationStats).Methods(http.MethodGet)
	v1.HandleFunc("/organizations/{id}/subscription", h.OrganizationSubscription).Methods(http.MethodGet)
	v1.HandleFunc("/organizations/{id}/subscription/status", h.OrganizationSubscriptionStatus).Methods(http.MethodGet)
	v1.HandleFunc("/organizations/{id}/enable", h.EnableOrganization).Methods(http.MethodPost)
	v1.HandleFunc("/organizations/{id}/disable", h.DisableOrganization).Methods(http.MethodPost)
	v1.HandleFunc("/organizations/{id}/subscriptions", h.CreateOrganizationSubscription).Methods(http.MethodPost)

	v1.HandleFunc("/subscriptions", h.CreateSubscription).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions/analytics", h.Analytics).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/dashboard-stats", h.DashboardStats).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/recent-activity", h.RecentActivity).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/tab-counts", h.TabCounts).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}", h.GetSubscription).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}/cancel", h.CancelSubscription).Methods(http.MethodPost)

	v1.HandleFunc("/payments", h.ListPayments).Methods(http.MethodGet)
	v1.HandleFunc("/payments/failed", h.FailedPayments).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{id}/retry", h.RetryPayment).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}/refund", h.RefundPayment).Methods(http.MethodPost)

	v1.HandleFunc("/plans", h.ListPlans).Methods(http.MethodGet)
	v1.HandleFunc("/plans", h.CreatePlan).Methods(http.MethodPost)
	return v1
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// listResponse wraps paged listings.
type listResponse struct {
	Data   interface{} `json:"data"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (h *Handler) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := encoding.WriteJSON(w, v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// respondError maps domain error codes to HTTP statuses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := domain.GetErrorCode(err)
	switch code {
	case domain.ErrorCodeValidation:
		status = http.StatusBadRequest
	case domain.ErrorCodeNotFound:
		status = http.StatusNotFound
	case domain.ErrorCodeTransitionConflict:
		status = http.StatusConflict
	case domain.ErrorCodeProviderError, domain.ErrorCodeRetryBudgetExhausted:
		status = http.StatusPaymentRequired
	case domain.ErrorCodeProviderUnavailable, domain.ErrorCodeProviderTimeout:
		status = http.StatusServiceUnavailable
	case "":
		code = domain.ErrorCodeInternal
	}

	message := err.Error()
	var de *domain.DomainError
	if errors.As(err, &de) {
		message = de.Message
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if code == domain.ErrorCodeInternal {
			message = "internal error"
		}
	}
	h.respond(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondError(w, r, domain.Validationf("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) now() time.Time {
	return h.clock.Now().UTC()
}

// queryInt reads an integer query parameter; absent means def.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.Validationf("%s must be an integer", name)
	}
	return n, nil
}

func page(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", 50); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
