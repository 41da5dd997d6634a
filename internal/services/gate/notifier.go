// Package gate tells the organization access gate about billing status changes.
package gate

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/encoding"
	"github.com/kevin07696/tenant-billing/pkg/observability"
	"github.com/kevin07696/tenant-billing/pkg/resilience"
)

const (
	// SignatureHeader carries hex(HMAC-SHA256(secret, timestamp + "." + body)).
	SignatureHeader = "X-Billing-Signature"
	TimestampHeader = "X-Billing-Timestamp"
	EventIDHeader   = "X-Billing-Event-Id"
)

// Config configures the notifier
type Config struct {
	URL         string
	Secret      string
	MaxAttempts int
}

// Notifier delivers signed status notifications with retry
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	backoff    resilience.BackoffStrategy
	timeouts   *resilience.TimeoutConfig
	logger     *zap.Logger
}

var _ ports.StatusGate = (*Notifier)(nil)

// NewNotifier creates a new notifier. httpClient may be nil.
func NewNotifier(cfg Config, httpClient *http.Client, timeouts *resilience.TimeoutConfig, logger *zap.Logger) *Notifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if timeouts == nil {
		timeouts = resilience.DefaultTimeoutConfig()
	}
	return &Notifier{
		cfg:        cfg,
		httpClient: httpClient,
		backoff:    resilience.GateBackoff(),
		timeouts:   timeouts,
		logger:     logger,
	}
}

// envelope is the wire body
type envelope struct {
	ID string `json:"id"`
	ports.StatusNotification
}

// Notify posts n to the gate, retrying transport errors, 5xx and 429 with
// backoff. Other 4xx responses are permanent and returned immediately.
func (s *Notifier) Notify(ctx context.Context, n ports.StatusNotification) error {
	eventID := uuid.New().String()
	payload, err := encoding.EncodeJSON(envelope{ID: eventID, StatusNotification: n})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	started := time.Now()

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(s.backoff.NextDelay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				observability.RecordGateDelivery("cancelled", time.Since(started).Seconds())
				return fmt.Errorf("gate notification cancelled after %d attempts: %w", attempt, ctx.Err())
			case <-timer.C:
			}
		}

		retry, err := s.deliver(ctx, eventID, payload)
		if err == nil {
			observability.RecordGateDelivery("delivered", time.Since(started).Seconds())
			s.logger.Debug("gate notified",
				zap.String("organization_id", n.OrganizationID),
				zap.String("status", string(n.Status)),
				zap.Int("attempts", attempt+1))
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		s.logger.Warn("gate delivery failed, retrying",
			zap.String("organization_id", n.OrganizationID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	observability.RecordGateDelivery("failed", time.Since(started).Seconds())
	return fmt.Errorf("gate notification for %s: %w", n.OrganizationID, lastErr)
}

// deliver makes one attempt and reports whether a failure is worth retrying
func (s *Notifier) deliver(parent context.Context, eventID string, payload []byte) (bool, error) {
	ctx, cancel := s.timeouts.GateContext(parent)
	defer cancel()

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(EventIDHeader, eventID)
	req.Header.Set(SignatureHeader, Sign(s.cfg.Secret, ts, payload))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return parent.Err() == nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return false, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}

// Sign creates the HMAC-SHA256 signature of a timestamped payload
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, timestamp, payload))
	return hmac.Equal(got, want)
}
