// Package classify implements the deterministic call-direction, number, and
// tenant inference described in spec.md §4.3, grounded on
// original_source/src/utils/call_direction.py and the tenant/number helpers
// in original_source/src/database_connector.py.
package classify

import (
	"regexp"
	"strings"
)

var extensionPattern = regexp.MustCompile(`^\*|^\d{2,7}$`)

// IsExtension reports whether s parses as an internal extension: it begins
// with '*', or is 2-7 decimal digits (spec.md §4.3).
func IsExtension(s string) bool {
	if s == "" {
		return false
	}
	return extensionPattern.MatchString(s)
}

var defaultInternalContexts = []string{
	"from-internal", "from-inside", "from-phone", "from-extension", "from-local",
}

var defaultOutboundRouteContexts = []*regexp.Regexp{
	regexp.MustCompile(`^outbound-allroutes$`),
	regexp.MustCompile(`^outrt-.*`),
	regexp.MustCompile(`^macro-dialout.*`),
}

var anonymousCallerIDs = map[string]bool{
	"anonymous": true, "private": true, "restricted": true,
	"unavailable": true, "unknown": true,
}

// IsAnonymous reports whether s (a CDR/CEL caller-id-ish field) is one of the
// case-insensitive anonymous markers.
func IsAnonymous(s string) bool {
	return anonymousCallerIDs[strings.ToLower(strings.TrimSpace(s))]
}

// Patterns bundles the site-specific pattern banks the classifier needs.
// Built once from config.AppConfig and reused across calls.
type Patterns struct {
	InternalContexts      []string
	OutboundRouteContexts []*regexp.Regexp
	KnownTrunks           map[string]bool
	InternationalPrefixes []string
}

// NewPatterns builds a Patterns bank, merging configured custom internal
// contexts with the defaults.
func NewPatterns(customInternalContexts []string, knownTrunks []string, internationalPrefixes []string) *Patterns {
	internal := append([]string{}, defaultInternalContexts...)
	internal = append(internal, customInternalContexts...)

	trunks := make(map[string]bool, len(knownTrunks))
	for _, t := range knownTrunks {
		trunks[strings.ToLower(t)] = true
	}

	return &Patterns{
		InternalContexts:      internal,
		OutboundRouteContexts: defaultOutboundRouteContexts,
		KnownTrunks:           trunks,
		InternationalPrefixes: internationalPrefixes,
	}
}

// MatchesInternalContext reports whether ctx is in the internal-contexts set.
func (p *Patterns) MatchesInternalContext(ctx string) bool {
	ctx = strings.ToLower(ctx)
	for _, c := range p.InternalContexts {
		if ctx == strings.ToLower(c) {
			return true
		}
	}
	return false
}

// MatchesOutboundRoute reports whether ctx is in the outbound-route set.
func (p *Patterns) MatchesOutboundRoute(ctx string) bool {
	for _, re := range p.OutboundRouteContexts {
		if re.MatchString(ctx) {
			return true
		}
	}
	return false
}

// trunkPatterns lists channel-name fragments that suggest a trunk. Neither
// the direction rules nor tenant extraction call looksLikeTrunkChannel.
var trunkPatterns = []string{
	"trunk", "sbc-", "sbc_", "pstn", "voip", "gateway", "provider",
	"dahdi/", "iax2/",
}

func looksLikeTrunkChannel(channel string) bool {
	lc := strings.ToLower(channel)
	for _, p := range trunkPatterns {
		if strings.Contains(lc, p) {
			return true
		}
	}
	return false
}
