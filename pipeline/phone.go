package pipeline

import "strings"

// CanonicalPhone normalizes a phone number into international form. The
// function is idempotent: applying it to its own output is a no-op. Numbers
// without a country code are assumed North American.
func CanonicalPhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if d == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(strings.TrimSpace(raw), "+"):
		return "+" + d
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && d[0] == '1':
		return "+" + d
	default:
		return "+" + d
	}
}

// phoneLastFour returns the trailing digits used for placeholder guest names.
func phoneLastFour(canonical string) string {
	d := strings.TrimPrefix(canonical, "+")
	if len(d) <= 4 {
		return d
	}
	return d[len(d)-4:]
}
