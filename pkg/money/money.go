// Package money converts between Peruvian sol amounts and integer céntimos.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

const Currency = "PEN"

var (
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrNonPositive      = errors.New("amount_not_positive")
	ErrTooManyDecimals  = errors.New("amount_too_many_decimals")
	ErrAmountOutOfRange = errors.New("amount_out_of_range")
)

// maxCents bounds amounts to what a single Yape transfer can carry with plenty of headroom.
var maxCents = decimal.NewFromInt(1_000_000_00)

// ParseSoles parses a decimal sol amount ("45.50", "45,50", "S/ 45.50") into céntimos.
func ParseSoles(raw string) (int64, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "S/.")
	value = strings.TrimPrefix(value, "S/")
	value = strings.TrimSpace(value)
	if strings.Count(value, ",") == 1 && !strings.Contains(value, ".") {
		value = strings.Replace(value, ",", ".", 1)
	}
	if value == "" {
		return 0, ErrInvalidAmount
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return FromDecimal(amount)
}

// FromDecimal converts a positive sol amount with at most two fractional digits into céntimos.
func FromDecimal(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, ErrNonPositive
	}
	if !amount.Equal(amount.Round(2)) {
		return 0, ErrTooManyDecimals
	}
	cents := amount.Shift(2)
	if cents.GreaterThan(maxCents) {
		return 0, ErrAmountOutOfRange
	}
	return cents.IntPart(), nil
}

func ToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders céntimos the way receipts and push messages show them, e.g. "45.50".
func Format(cents int64) string {
	return ToDecimal(cents).StringFixed(2)
}
