package gate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/resilience"
)

func notification() ports.StatusNotification {
	return ports.StatusNotification{
		OccurredAt:     time.Date(2026, 4, 22, 0, 0, 0, 0, time.UTC),
		OrganizationID: "org-1",
		SubscriptionID: "sub-1",
		Previous:       domain.SubscriptionStatusPastDue,
		Status:         domain.SubscriptionStatusGracePeriod,
		Access:         ports.AccessReadOnly,
	}
}

func newTestNotifier(url string, attempts int) *Notifier {
	n := NewNotifier(Config{URL: url, Secret: "s3cret", MaxAttempts: attempts}, nil, resilience.TestTimeoutConfig(), zap.NewNop())
	n.backoff = &resilience.FixedBackoff{Delay: time.Millisecond}
	return n
}

func TestNotify_SignsPayload(t *testing.T) {
	var got ports.StatusNotification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !Verify("s3cret", r.Header.Get(TimestampHeader), body, r.Header.Get(SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newTestNotifier(srv.URL, 3).Notify(context.Background(), notification()))
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, domain.SubscriptionStatusGracePeriod, got.Status)
	assert.Equal(t, ports.AccessReadOnly, got.Access)
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newTestNotifier(srv.URL, 4).Notify(context.Background(), notification()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNotify_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL, 4).Notify(context.Background(), notification())
	assert.ErrorContains(t, err, "HTTP 400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNotify_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestNotifier(srv.URL, 2).Notify(context.Background(), notification())
	assert.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestVerify_RejectsTampering(t *testing.T) {
	sig := Sign("k", "100", []byte(`{"a":1}`))
	assert.True(t, Verify("k", "100", []byte(`{"a":1}`), sig))
	assert.False(t, Verify("k", "101", []byte(`{"a":1}`), sig))
	assert.False(t, Verify("other", "100", []byte(`{"a":1}`), sig))
	assert.False(t, Verify("k", "100", []byte(`{"a":1}`), "zz"))
}
