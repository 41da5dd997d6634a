package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/adapters/memory"
	"github.com/kevin07696/tenant-billing/internal/adapters/sandbox"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/aggregator"
	"github.com/kevin07696/tenant-billing/internal/services/billing"
	"github.com/kevin07696/tenant-billing/internal/services/dunning"
	"github.com/kevin07696/tenant-billing/internal/services/ledger"
	"github.com/kevin07696/tenant-billing/internal/services/lifecycle"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	store := memory.NewStore()
	repos := store.Repositories()
	clock := ports.ClockFunc(func() time.Time { return testNow })
	provider := sandbox.New(clock.Now)

	ledgerSvc := ledger.NewService(store, repos.Payments, clock, ports.NopLogger{})
	machine := lifecycle.NewMachine(store, repos, ledgerSvc, provider, nil, clock, dunning.DefaultPolicy(), ports.NopLogger{})
	manager := dunning.NewManager(store, repos.Subscriptions, ledgerSvc, machine, ports.NopLogger{})
	billingSvc := billing.NewService(store, repos, machine, manager, provider, nil, clock, ports.NopLogger{})
	stats := aggregator.NewService(store, repos, ports.NopLogger{})

	r := mux.NewRouter()
	NewHandler(billingSvc, stats, clock, zap.NewNop()).Register(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, rec.Body.String())
	return e["code"].(string)
}

func TestSubscriptionFlow(t *testing.T) {
	h := newRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/plans", map[string]interface{}{
		"name": "Pro", "amount": "49.00", "currency": "USD", "interval": "month",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	planID := decodeBody(t, rec)["id"].(string)

	rec = do(t, h, http.MethodPost, "/api/v1/organizations", map[string]string{"name": "Acme", "customer_ref": "cus_acme"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	orgID := decodeBody(t, rec)["id"].(string)

	rec = do(t, h, http.MethodPost, "/api/v1/subscriptions", map[string]string{
		"customer_id": "cus_acme", "plan_id": planID, "authorization_code": "pm_visa",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decodeBody(t, rec)
	assert.Equal(t, "ACTIVE", sub["status"])
	subID := sub["id"].(string)

	rec = do(t, h, http.MethodPost, "/api/v1/organizations/"+orgID+"/subscriptions", map[string]string{
		"plan_id": planID, "authorization_code": "pm_visa",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "second live subscription")

	rec = do(t, h, http.MethodGet, "/api/v1/organizations/"+orgID+"/subscription/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, true, status["has_active_subscription"])

	rec = do(t, h, http.MethodGet, "/api/v1/subscriptions/tab-counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["active"])

	rec = do(t, h, http.MethodGet, "/api/v1/payments?subscription_id="+subID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody(t, rec)
	assert.EqualValues(t, 1, page["total"])
	paymentID := page["data"].([]interface{})[0].(map[string]interface{})["id"].(string)

	rec = do(t, h, http.MethodPost, "/api/v1/payments/"+paymentID+"/refund", map[string]string{"reason": "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "REFUNDED", decodeBody(t, rec)["outcome"])

	rec = do(t, h, http.MethodPost, "/api/v1/subscriptions/"+subID+"/cancel", map[string]string{"reason": "closing"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decodeBody(t, rec)["status"])
}

func TestErrorMapping(t *testing.T) {
	h := newRouter(t)

	rec := do(t, h, http.MethodGet, "/api/v1/subscriptions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/subscriptions/analytics?period=decade", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/payments?outcome=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/organizations?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/organizations", map[string]string{"name": "Acme", "unexpected": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeclinedInitialChargeIsPaymentRequired(t *testing.T) {
	h := newRouter(t)
	rec := do(t, h, http.MethodPost, "/api/v1/plans", map[string]interface{}{
		"name": "Pro", "amount": "10.00", "currency": "USD", "interval": "month",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	planID := decodeBody(t, rec)["id"].(string)
	rec = do(t, h, http.MethodPost, "/api/v1/organizations", map[string]string{"name": "Acme", "customer_ref": "cus_acme"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/subscriptions", map[string]string{
		"customer_id": "cus_acme", "plan_id": planID, "authorization_code": sandbox.DeclineMethod,
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "PROVIDER_ERROR", errorCode(t, rec))
}

func TestOrganizationEnableDisable(t *testing.T) {
	h := newRouter(t)
	rec := do(t, h, http.MethodPost, "/api/v1/organizations", map[string]string{"name": "Acme", "customer_ref": "cus_acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	orgID := decodeBody(t, rec)["id"].(string)

	for range 2 {
		rec = do(t, h, http.MethodPost, "/api/v1/organizations/"+orgID+"/disable", map[string]string{"reason": "unpaid invoice"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "suspended", decodeBody(t, rec)["status"])
	}

	rec = do(t, h, http.MethodGet, "/api/v1/organizations?status=suspended", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["total"])

	rec = do(t, h, http.MethodPost, "/api/v1/organizations/"+orgID+"/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decodeBody(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/api/v1/organizations/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["active"])
}
