package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
)

// tenantSkipSet rejects candidate tokens that are protocol/role words rather
// than real tenant labels (spec.md §4.3).
var tenantSkipSet = map[string]bool{
	"sip": true, "pjsip": true, "iax": true, "dahdi": true, "local": true,
	"from": true, "to": true, "did": true, "direct": true, "trunk": true,
	"peer": true, "sbc": true, "ca1": true, "ca2": true, "us1": true, "us2": true,
	"closed": true, "open": true, "internal": true, "external": true,
}

var hexSuffixPattern = regexp.MustCompile(`-[0-9a-fA-F]{6,}$`)

// dcontextTenantPatterns is the regex bank from spec.md §4.3, checked in
// order; the first one that matches dcontext and yields a valid tenant wins.
var dcontextTenantPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[\w]+-\d+-[\w]+-[\w]+-([\w]+)$`),                 // <ext>-<did>-<ext>-<desc>-<tenant>
	regexp.MustCompile(`^from-outside-\d+-[\w]+-([\w]+)$`),                // from-outside-<did>-<desc>-<tenant>
	regexp.MustCompile(`^ext-\d+-([\w]+)$`),                               // ext-<did>-<tenant>
	regexp.MustCompile(`^from-did-direct-\d+-([\w]+)$`),                   // from-did-direct-<did>-<tenant>
	regexp.MustCompile(`^from-(?:internal|inside|inside-redir|inside-restricted-redir)-([\w]+)$`),
	regexp.MustCompile(`^local-extensions-([\w]+)$`),                      // local-extensions-<tenant>
	regexp.MustCompile(`^outgoing-([\w]+)$`),                              // outgoing-<tenant>
}

// isValidTenant applies the rejection rules from spec.md §4.3: too short,
// purely numeric, purely hex, a known trunk, or in the skip set.
func (p *Patterns) isValidTenant(candidate string) bool {
	c := strings.ToLower(strings.TrimSpace(candidate))
	if len(c) < 3 {
		return false
	}
	if tenantSkipSet[c] {
		return false
	}
	if p.KnownTrunks[c] {
		return false
	}
	if _, err := strconv.Atoi(c); err == nil {
		return false // purely numeric
	}
	if isPureHex(c) {
		return false
	}
	return true
}

func isPureHex(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// tenantFromDContext tries each pattern in dcontextTenantPatterns in order.
func (p *Patterns) tenantFromDContext(dcontext string) (string, bool) {
	for _, re := range dcontextTenantPatterns {
		m := re.FindStringSubmatch(dcontext)
		if m == nil {
			continue
		}
		candidate := m[len(m)-1]
		if p.isValidTenant(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// tenantFromChannelLike splits a channel-like string ("dstchannel", "channel",
// CEL "channame"/"peer") on '/' and '-', strips a trailing 6+ hex unique
// suffix, and returns the rightmost token passing isValidTenant.
func (p *Patterns) tenantFromChannelLike(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	s = hexSuffixPattern.ReplaceAllString(s, "")
	parts := regexp.MustCompile(`[/\-]`).Split(s, -1)
	for i := len(parts) - 1; i >= 0; i-- {
		if p.isValidTenant(parts[i]) {
			return parts[i], true
		}
	}
	return "", false
}

// ExtractTenant scans CDR/CEL sources in the priority order fixed by
// spec.md §4.3: dcontext regex bank, dstchannel, context, channel, then CEL
// context/channame/peer/extra. Returns defaultTenant if nothing matches.
// Deterministic and independent of CDR arrival order within the group.
func (p *Patterns) ExtractTenant(group *models.CallGroup, defaultTenant string) string {
	var cdr *models.CDR
	if len(group.CDRs) > 0 {
		cdr = &group.CDRs[0]
		for i := range group.CDRs {
			if group.CDRs[i].CallDate.Before(cdr.CallDate) {
				cdr = &group.CDRs[i]
			}
		}
	}

	if cdr != nil {
		if t, ok := p.tenantFromDContext(cdr.DContext); ok {
			return t
		}
		if t, ok := p.tenantFromChannelLike(cdr.DstChannel); ok {
			return t
		}
		if t, ok := p.tenantFromChannelLike(cdr.Context); ok {
			return t
		}
		if t, ok := p.tenantFromChannelLike(cdr.Channel); ok {
			return t
		}
	}

	for _, cel := range group.CELs {
		if t, ok := p.tenantFromChannelLike(cel.Context); ok {
			return t
		}
		if t, ok := p.tenantFromChannelLike(cel.ChanName); ok {
			return t
		}
		if t, ok := p.tenantFromChannelLike(cel.Peer); ok {
			return t
		}
		if t, ok := p.tenantFromChannelLike(cel.Extra); ok {
			return t
		}
	}

	return defaultTenant
}
