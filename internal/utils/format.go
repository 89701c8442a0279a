package utils

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatAmount formats a plank amount with the chain's token decimals,
// thousand separators and 4 fractional digits (truncated).
// Examples with 10 decimals:
//   - 10000000000 -> "1.0000 DOT"
//   - 12345678900000000 -> "1,234,567.8900 DOT"
func FormatAmount(planck *big.Int, decimals uint8, symbol string) string {
	if planck == nil {
		planck = new(big.Int)
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, rem := new(big.Int).QuoRem(planck, divisor, new(big.Int))

	// 4 fractional digits
	frac := new(big.Int).Mul(rem, big.NewInt(10_000))
	frac.Quo(frac, divisor)

	out := fmt.Sprintf("%s.%04d", groupThousands(whole.String()), frac.Int64())
	if symbol != "" {
		out += " " + symbol
	}
	return out
}

// FormatCount adds thousand separators to an integer.
func FormatCount(n uint64) string {
	return groupThousands(fmt.Sprintf("%d", n))
}

func groupThousands(digits string) string {
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var formatted strings.Builder
	if neg {
		formatted.WriteString("-")
	}
	length := len(digits)
	for i, r := range digits {
		if i > 0 && (length-i)%3 == 0 {
			formatted.WriteString(",")
		}
		formatted.WriteRune(r)
	}
	return formatted.String()
}

// Ordinal returns 1st, 2nd, 3rd, 4th...
func Ordinal(n uint32) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
