// Package phone canonicalizes recipient addresses to international digit form.
//
// Normalization is deterministic and total: malformed input passes through as
// digits-only rather than erroring, because delivery-time failure reporting is
// the authoritative validation.
package phone

import "strings"

const countryCode = "55"

// Normalize strips formatting and applies Brazilian numbering heuristics:
// a bare 10 or 11 digit local number gets the country code prepended, and an
// old fixed-length mobile number (8-digit subscriber part starting 6-9)
// gets the missing leading 9 inserted after the area code.
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	// international call prefix
	digits = strings.TrimPrefix(digits, "00")

	if len(digits) == 10 || len(digits) == 11 {
		digits = countryCode + digits
	}

	// 55 + 2-digit area code + 8-digit subscriber: mobile missing the 9
	if len(digits) == 12 && strings.HasPrefix(digits, countryCode) {
		sub := digits[4:]
		if sub[0] >= '6' && sub[0] <= '9' {
			digits = digits[:4] + "9" + sub
		}
	}

	return digits
}
