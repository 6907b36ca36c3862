package channel

import (
	"fmt"
	"strings"
)

// NormalizePhone converts a phone number to the international format
// the providers expect (+<country><number>). Bare local numbers get
// the default country code prepended; numbers already carrying a plus
// or the country code pass through.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	hadPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")

	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	n := digits.String()
	if len(n) < 7 {
		return "", fmt.Errorf("malformed phone number: %q", raw)
	}

	if hadPlus || (defaultCountryCode != "" && strings.HasPrefix(n, defaultCountryCode) && len(n) > 9) {
		return "+" + n, nil
	}

	return "+" + defaultCountryCode + n, nil
}
