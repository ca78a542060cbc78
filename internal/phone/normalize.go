// Package phone canonicalizes Kenyan mobile numbers to the 2547XXXXXXXX form
// used for matching payments against forwarded M-Pesa messages.
package phone

import "strings"

const (
	// CountryCode is prepended to local and bare subscriber numbers.
	CountryCode = "254"

	// SubscriberLength is the number of digits after the country code.
	// It is also the length of the correlation suffix.
	SubscriberLength = 9
)

// Normalize converts a raw phone number to its canonical digit form.
//
// Accepted shapes:
//
//	0712345678    -> 254712345678
//	712345678     -> 254712345678
//	+254712345678 -> 254712345678
//
// Anything else is returned cleaned but otherwise unchanged.
func Normalize(raw string) string {
	cleaned := strings.Join(strings.Fields(raw), "")
	cleaned = strings.TrimPrefix(cleaned, "+")

	switch {
	case len(cleaned) == SubscriberLength+1 && cleaned[0] == '0' && isDigits(cleaned):
		return CountryCode + cleaned[1:]
	case len(cleaned) == SubscriberLength && cleaned[0] == '7' && isDigits(cleaned):
		return CountryCode + cleaned
	case len(cleaned) == len(CountryCode)+SubscriberLength && strings.HasPrefix(cleaned, CountryCode):
		return cleaned
	default:
		return cleaned
	}
}

// Valid reports whether a normalized number is in canonical form.
func Valid(normalized string) bool {
	return len(normalized) == len(CountryCode)+SubscriberLength &&
		strings.HasPrefix(normalized, CountryCode) &&
		isDigits(normalized)
}

// Suffix returns the trailing subscriber digits used to find a number inside
// notification text, whatever prefix the provider printed in front of it.
func Suffix(normalized string) string {
	if len(normalized) <= SubscriberLength {
		return normalized
	}
	return normalized[len(normalized)-SubscriberLength:]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
