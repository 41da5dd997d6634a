package timeutil

import "time"

// Now returns the current time in UTC
// Always use this instead of time.Now() to ensure timezone consistency
func Now() time.Time {
	return time.Now().UTC()
}

// StartOfDay returns the start of the day (midnight) in UTC
func StartOfDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Window is the half-open interval [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Trailing returns the window of length d ending at end.
func Trailing(end time.Time, d time.Duration) Window {
	end = end.UTC()
	return Window{From: end.Add(-d), To: end}
}

// TrailingDays returns the window of the given number of days ending at end.
func TrailingDays(end time.Time, days int) Window {
	end = end.UTC()
	return Window{From: end.AddDate(0, 0, -days), To: end}
}

// TrailingMonths returns the calendar-month window ending at end.
func TrailingMonths(end time.Time, months int) Window {
	end = end.UTC()
	return Window{From: end.AddDate(0, -months, 0), To: end}
}

// Previous returns the window of equal length immediately before w.
func (w Window) Previous() Window {
	return Window{From: w.From.Add(-w.To.Sub(w.From)), To: w.From}
}

// Contains reports whether t falls in [From, To).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Duration is the window length.
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}
