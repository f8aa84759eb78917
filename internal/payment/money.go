package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true,
}

func minorExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// FormatMajor renders a minor-unit amount as the decimal string providers
// expect, e.g. 20000 MYR as "200.00".
func FormatMajor(amount int64, currency string) string {
	exp := minorExponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}

// ParseMajor converts a provider decimal string back to minor units. Amounts
// with more precision than the currency allows are rejected.
func ParseMajor(value, currency string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", value, err)
	}
	minor := d.Shift(minorExponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has too many decimal places", value)
	}
	return minor.IntPart(), nil
}
