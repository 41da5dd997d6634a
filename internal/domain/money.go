package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies are charged in whole units by card networks.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
	"CLP": true,
	"XAF": true,
	"XOF": true,
}

// Money is an amount in minor units with its currency.
type Money struct {
	Currency string `json:"currency"`
	Cents    int64  `json:"amount_cents"`
}

// NewMoney creates a Money value.
func NewMoney(cents int64, currency string) Money {
	return Money{Cents: cents, Currency: currency}
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	if zeroDecimalCurrencies[m.Currency] {
		return decimal.NewFromInt(m.Cents)
	}
	return decimal.New(m.Cents, -2)
}

// String formats the amount as "50.00 USD".
func (m Money) String() string {
	places := int32(2)
	if zeroDecimalCurrencies[m.Currency] {
		places = 0
	}
	return fmt.Sprintf("%s %s", m.Decimal().StringFixed(places), m.Currency)
}

// Sub returns m - o; the currencies must match.
func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, Validationf("currency mismatch: %s vs %s", m.Currency, o.Currency)
	}
	return Money{Cents: m.Cents - o.Cents, Currency: m.Currency}, nil
}

// ParseMajorUnits converts a decimal string such as "50.00" to minor units.
func ParseMajorUnits(amount, currency string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, Validationf("invalid amount %q", amount)
	}
	if d.IsNegative() {
		return 0, Validationf("amount must not be negative")
	}
	if zeroDecimalCurrencies[currency] {
		if !d.Equal(d.Truncate(0)) {
			return 0, Validationf("%s has no minor units", currency)
		}
		return d.IntPart(), nil
	}
	if !d.Equal(d.Truncate(2)) {
		return 0, Validationf("amount %q has more than two decimal places", amount)
	}
	return d.Shift(2).IntPart(), nil
}

// GrowthRate returns the percentage change from previous to current, rounded
// to two places. A zero previous value yields 100 when current is positive.
func GrowthRate(current, previous int64) decimal.Decimal {
	if previous == 0 {
		if current > 0 {
			return decimal.NewFromInt(100)
		}
		return decimal.Zero
	}
	cur := decimal.NewFromInt(current)
	prev := decimal.NewFromInt(previous)
	return cur.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
}
