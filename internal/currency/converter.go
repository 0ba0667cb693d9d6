// Package currency formats and parses Mozambican metical amounts.
package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const Code = "MZN"

// FormatMZN renders an amount the way customer-facing messages show it:
// "MZN 1.234,56" (dot thousands, comma decimals).
func FormatMZN(amount decimal.Decimal) string {
	neg := amount.IsNegative()
	fixed := amount.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}

	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s %s%s,%s", Code, sign, b.String(), frac)
}

// ParseAmount reads amounts from legacy exports, which mix "1.234,56",
// "1234.56", "1,5" and "MZN 100" styles. When both separators appear the
// last one is the decimal mark.
func ParseAmount(s string) (decimal.Decimal, error) {
	var b strings.Builder
	neg := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0:
			neg = true
		}
	}
	clean := b.String()
	if clean == "" {
		return decimal.Zero, fmt.Errorf("no digits in amount %q", s)
	}

	lastDot := strings.LastIndex(clean, ".")
	lastComma := strings.LastIndex(clean, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(clean, ",") > 1 {
			clean = strings.ReplaceAll(clean, ",", "")
		} else {
			clean = strings.Replace(clean, ",", ".", 1)
		}
	case strings.Count(clean, ".") > 1:
		clean = strings.ReplaceAll(clean, ".", "")
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}
