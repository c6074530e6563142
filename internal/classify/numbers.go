package classify

import (
	"regexp"
	"strings"
)

var (
	nonDigitExceptSpecial = regexp.MustCompile(`[^0-9+*#]`)
	e164Pattern           = regexp.MustCompile(`^\+\d{10,15}$`)
	tenDigits             = regexp.MustCompile(`^\d{10}$`)
	starPrefixes          = []string{"*67", "*82"}
)

// NormalizeNumber strips non-digit characters (keeping +, *, #), peels off
// privacy star-codes, and assumes a North American 10-digit number by
// prefixing '1'. E.164 numbers pass through unchanged. Idempotent:
// NormalizeNumber(NormalizeNumber(x)) == NormalizeNumber(x).
func NormalizeNumber(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	for _, prefix := range starPrefixes {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
			break
		}
	}
	// A leading trunk-access '9' is stripped only when what follows still
	// looks like a full number (10+ digits), mirroring the source's
	// conservative behavior so short internal-looking strings are untouched.
	if strings.HasPrefix(s, "9") && len(nonDigitExceptSpecial.ReplaceAllString(s[1:], "")) >= 10 {
		s = s[1:]
	}

	s = nonDigitExceptSpecial.ReplaceAllString(s, "")

	if e164Pattern.MatchString(s) {
		return s
	}

	digitsOnly := strings.TrimLeft(s, "+*#")
	if tenDigits.MatchString(digitsOnly) {
		return "1" + digitsOnly
	}

	return s
}

// IsInternational reports whether a normalized number is E.164 (has a '+'
// prefix) or otherwise carries a configured international prefix distinct
// from the NANP assumption.
func IsInternational(normalized string, configuredPrefixes []string) bool {
	if strings.HasPrefix(normalized, "+") {
		return true
	}
	for _, p := range configuredPrefixes {
		if p != "" && strings.HasPrefix(normalized, p) {
			return true
		}
	}
	return false
}

// pseudoDestinations are Asterisk's special dialplan entry extensions; a
// CDR dst of one of these means the real dialed DID must be recovered from
// CEL CHAN_START.exten (spec.md §4.3 "DID extraction for inbound calls").
var pseudoDestinations = map[string]bool{
	"s": true, "h": true, "i": true, "t": true,
}

func IsPseudoDestination(dst string) bool {
	return pseudoDestinations[dst]
}
