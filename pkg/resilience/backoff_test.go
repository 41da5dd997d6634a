package resilience

import (
	"testing"
	"time"
)

func TestDunningBackoff_NextDelay(t *testing.T) {
	backoff := DunningBackoff(24*time.Hour, 72*time.Hour)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 24 * time.Hour},
		{1, 48 * time.Hour},
		{2, 72 * time.Hour}, // 96h capped
		{3, 72 * time.Hour},
		{30, 72 * time.Hour},
	}

	for _, tt := range tests {
		if delay := backoff.NextDelay(tt.attempt); delay != tt.expected {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, delay, tt.expected)
		}
	}
}

func TestDunningBackoff_IsDeterministic(t *testing.T) {
	backoff := DunningBackoff(time.Hour, 10*time.Hour)

	for i := 0; i < 100; i++ {
		if backoff.NextDelay(2) != 4*time.Hour {
			t.Fatalf("dunning delay must not jitter")
		}
	}
}

func TestExponentialBackoff_NegativeAttempt(t *testing.T) {
	backoff := DunningBackoff(time.Minute, time.Hour)

	if delay := backoff.NextDelay(-1); delay != time.Minute {
		t.Errorf("NextDelay(-1) = %v, want base delay", delay)
	}
}

func TestGateBackoff_WithJitter(t *testing.T) {
	backoff := GateBackoff()

	for attempt := 0; attempt < 6; attempt++ {
		expected := float64(backoff.BaseDelay) * float64(int(1)<<attempt)
		if expected > float64(backoff.MaxDelay) {
			expected = float64(backoff.MaxDelay)
		}
		low := time.Duration(expected * (1 - backoff.Jitter))
		high := time.Duration(expected * (1 + backoff.Jitter))

		for i := 0; i < 50; i++ {
			delay := backoff.NextDelay(attempt)
			if delay < low || delay > high {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, delay, low, high)
			}
		}
	}
}

func TestFixedBackoff(t *testing.T) {
	backoff := &FixedBackoff{Delay: 3 * time.Second}

	for _, attempt := range []int{0, 1, 10} {
		if delay := backoff.NextDelay(attempt); delay != 3*time.Second {
			t.Errorf("NextDelay(%d) = %v, want 3s", attempt, delay)
		}
	}
}
