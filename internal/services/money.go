package services

import (
	"fmt"
	"strings"

	"bookingflow/backend/internal/apperror"
)

const maxMinorUnits = int64(1) << 53

// ParseMinorUnits converts a decimal amount such as "120.00" or "£1,250.5"
// into integer minor units without going through floating point. At most two
// fractional digits are accepted.
func ParseMinorUnits(amount string) (int64, error) {
	s := strings.TrimSpace(amount)
	s = strings.TrimLeft(s, "£$€")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, apperror.Validation("quote amount is empty")
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (frac == "" || len(frac) > 2) {
		return 0, apperror.Validation("quote amount %q must have at most two decimal places", amount)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var minor int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, apperror.Validation("quote amount %q is not a number", amount)
		}
		minor = minor*10 + int64(r-'0')
		if minor > maxMinorUnits {
			return 0, apperror.Validation("quote amount %q is too large", amount)
		}
	}
	if minor == 0 {
		return 0, apperror.Validation("quote amount must be greater than zero")
	}
	return minor, nil
}

// FormatMinorUnits renders minor units as a two-decimal string.
func FormatMinorUnits(minor int64) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
