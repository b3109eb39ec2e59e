package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

var zeroDecimal = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

func exponent(currency string) int32 {
	if _, ok := zeroDecimal[strings.ToLower(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// MajorUnits converts a processor amount to the decimal stored on records.
func MajorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -exponent(currency))
}

// MinorUnits converts a record amount to the processor representation, rounding half away from zero.
func MinorUnits(major decimal.Decimal, currency string) int64 {
	return major.Shift(exponent(currency)).Round(0).IntPart()
}

// FormatAmount renders a record amount for donors, e.g. "25.00 USD" or "3000 JPY".
func FormatAmount(major decimal.Decimal, currency string) string {
	return major.StringFixed(exponent(currency)) + " " + strings.ToUpper(strings.TrimSpace(currency))
}
