package timeutil

import (
	"testing"
	"time"
)

func TestNow_AlwaysUTC(t *testing.T) {
	now := Now()

	if now.Location() != time.UTC {
		t.Errorf("Now() returned non-UTC timezone: %v", now.Location())
	}
}

func TestStartOfDay(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Time
		expected string
	}{
		{
			name:     "midnight UTC",
			input:    time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC),
			expected: "2025-11-20 00:00:00 +0000 UTC",
		},
		{
			name:     "noon UTC",
			input:    time.Date(2025, 11, 20, 12, 30, 45, 0, time.UTC),
			expected: "2025-11-20 00:00:00 +0000 UTC",
		},
		{
			name:     "non-UTC input",
			input:    time.Date(2025, 11, 20, 22, 0, 0, 0, time.FixedZone("EST", -5*3600)),
			expected: "2025-11-21 00:00:00 +0000 UTC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StartOfDay(tt.input).String(); got != tt.expected {
				t.Errorf("StartOfDay() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTrailingDays_AndPrevious(t *testing.T) {
	end := time.Date(2026, 5, 31, 12, 0, 0, 0, time.UTC)

	current := TrailingDays(end, 30)
	if !current.From.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected From %v", current.From)
	}

	prior := current.Previous()
	if !prior.To.Equal(current.From) {
		t.Errorf("previous window must end where current starts")
	}
	if prior.Duration() != current.Duration() {
		t.Errorf("previous window length %v, want %v", prior.Duration(), current.Duration())
	}
}

func TestWindow_ContainsIsHalfOpen(t *testing.T) {
	w := Trailing(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), 24*time.Hour)

	if !w.Contains(w.From) {
		t.Error("From must be inside the window")
	}
	if w.Contains(w.To) {
		t.Error("To must be outside the window")
	}
}

func TestTrailingMonths(t *testing.T) {
	end := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	w := TrailingMonths(end, 3)

	if !w.From.Equal(time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected From %v", w.From)
	}
}
