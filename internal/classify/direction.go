package classify

import (
	"regexp"
	"strings"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
)

// Result is the output of Classify: direction plus every identity field
// spec.md §4.3 asks the Consolidator to extract.
type Result struct {
	Direction       models.Direction
	SrcNumber       string
	SrcExtension    string
	SrcName         string
	DstNumber       string
	DstExtension    string
	DstName         string
	LikelyForwarded bool
}

// Config bundles the tunables Classify needs beyond the pattern bank.
type Config struct {
	Patterns              *Patterns
	InternationalPrefixes []string
}

// Classify implements the direction classifier of spec.md §4.3, in the rule
// order resolved by SPEC_FULL.md §5 (the source's ambiguous "priority
// dcontext check" vs "external origin" ordering is fixed here, not
// reproduced as ambiguous).
func Classify(group *models.CallGroup, cfg *Config) Result {
	var r Result
	if len(group.CDRs) == 0 {
		r.Direction = models.DirectionInbound
		return r
	}

	cdr := primaryCDR(group)
	p := cfg.Patterns

	srcIsExt := IsExtension(cdr.Src)
	dstIsExt := IsExtension(cdr.Dst)

	// 1. Anonymous/private source always yields inbound; destination routing
	// does not override it. A non-extension destination sets LikelyForwarded.
	if IsAnonymous(cdr.Src) {
		r.Direction = models.DirectionInbound
		r.DstNumber, r.DstExtension = resolveDst(group, cdr, p, cfg)
		if !dstIsExt {
			r.LikelyForwarded = true
		}
		fillNames(group, cdr, p, &r)
		return r
	}

	// 2. Both endpoints are extensions.
	if srcIsExt && dstIsExt {
		r.Direction = models.DirectionInternal
		r.SrcExtension = cdr.Src
		r.DstExtension = cdr.Dst
		fillNames(group, cdr, p, &r)
		return r
	}

	// 3. Priority check: dcontext is internal-routing.
	if p.MatchesInternalContext(cdr.DContext) {
		if dstIsExt {
			r.Direction = models.DirectionInternal
			r.DstExtension = cdr.Dst
		} else {
			r.Direction = models.DirectionOutbound
			r.DstNumber = NormalizeNumber(cdr.Dst)
		}
		if srcIsExt {
			r.SrcExtension = cdr.Src
		} else {
			r.SrcNumber = NormalizeNumber(cdr.Src)
		}
		fillNames(group, cdr, p, &r)
		return r
	}

	// 4. Determine call origin.
	internalOrigin := isLocalChannel(cdr.Channel) || p.MatchesInternalContext(cdr.Context) || srcIsExt

	// 6. Voicemail special-case.
	if internalOrigin && strings.HasPrefix(cdr.Dst, "*") {
		r.Direction = models.DirectionInternal
		if srcIsExt {
			r.SrcExtension = cdr.Src
		}
		fillNames(group, cdr, p, &r)
		return r
	}

	// 7. Standard logic.
	if internalOrigin {
		if srcIsExt {
			r.SrcExtension = cdr.Src
		} else {
			r.SrcNumber = NormalizeNumber(cdr.Src)
		}
		if dstIsExt {
			r.Direction = models.DirectionInternal
			r.DstExtension = cdr.Dst
		} else {
			r.Direction = models.DirectionOutbound
			r.DstNumber = NormalizeNumber(cdr.Dst)
		}
		fillNames(group, cdr, p, &r)
		return r
	}

	// External origin.
	r.SrcNumber = NormalizeNumber(cdr.Src)
	if p.MatchesOutboundRoute(cdr.DContext) {
		r.Direction = models.DirectionOutbound
		r.DstNumber = NormalizeNumber(cdr.Dst)
	} else if dstIsExt {
		r.Direction = models.DirectionInbound
		r.DstExtension = cdr.Dst
		r.DstNumber = recoverDIDFromCEL(group)
	} else {
		r.Direction = models.DirectionInbound
		r.LikelyForwarded = true
		r.DstNumber, r.DstExtension = resolveDst(group, cdr, p, cfg)
	}
	fillNames(group, cdr, p, &r)
	return r
}

func primaryCDR(group *models.CallGroup) models.CDR {
	best := group.CDRs[0]
	for _, c := range group.CDRs[1:] {
		if c.CallDate.Before(best.CallDate) {
			best = c
		}
	}
	return best
}

var localChannelPattern = regexp.MustCompile(`(?i)^local/`)

func isLocalChannel(channel string) bool {
	return localChannelPattern.MatchString(channel)
}

// resolveDst extracts the caller-facing number and/or extension for an
// inbound call. When dst is one of the pseudo-destinations (s,h,i,t) the
// real DID only ever lives in CEL's CHAN_START.exten. But per
// original_source/src/database_connector.py's DID recovery ("for inbound
// calls, even when dst is an extension, we should try to find the DID from
// CEL events"), the CEL fallback also applies whenever dst resolved to a
// plain extension and no DID was otherwise recoverable from the CDR —
// spec.md §8 scenario 1/4 both expect dst_number and dst_extension
// populated simultaneously in that case.
func resolveDst(group *models.CallGroup, cdr models.CDR, p *Patterns, cfg *Config) (number, extension string) {
	if !IsPseudoDestination(cdr.Dst) {
		if IsExtension(cdr.Dst) {
			extension = cdr.Dst
		} else {
			number = NormalizeNumber(cdr.Dst)
		}
	}

	if number == "" {
		number = recoverDIDFromCEL(group)
	}
	return number, extension
}

// recoverDIDFromCEL scans CEL CHAN_START events for the first 10+ digit
// exten, the real DID for calls whose CDR dst was rewritten to an
// extension or a pseudo-destination by dialplan routing.
func recoverDIDFromCEL(group *models.CallGroup) string {
	for _, cel := range group.CELs {
		if cel.EventType == models.EventChanStart && len(digitsOnly(cel.Exten)) >= 10 {
			return NormalizeNumber(cel.Exten)
		}
	}
	return ""
}

var nonDigit = regexp.MustCompile(`\D`)

func digitsOnly(s string) string {
	return nonDigit.ReplaceAllString(s, "")
}

// structuredCallerIDName strips a structured "nnn-nn-Desc-...-Name" prefix
// from a caller-ID name down to the trailing human name (spec.md §4.3 name
// extraction).
var structuredCallerIDName = regexp.MustCompile(`^\d{3}-\d{2}-[A-Za-z]+-.*?-(.+)$`)

func fillNames(group *models.CallGroup, cdr models.CDR, p *Patterns, r *Result) {
	srcNum := r.SrcNumber
	for _, cel := range group.CELs {
		if cel.CidName == "" {
			continue
		}
		if srcNum != "" && NormalizeNumber(cel.CidNum) == srcNum {
			r.SrcName = cleanCallerName(cel.CidName)
		}
	}

	ext := r.DstExtension
	if ext == "" {
		return
	}
	for _, cel := range group.CELs {
		if strings.Contains(cel.ChanName, "/"+ext+"-") ||
			strings.HasPrefix(cel.ChanName, "SIP/"+ext) ||
			strings.HasPrefix(cel.ChanName, "PJSIP/"+ext) {
			if cel.CidName != "" {
				r.DstName = cleanCallerName(cel.CidName)
			}
			break
		}
	}
}

func cleanCallerName(raw string) string {
	name := raw
	if m := structuredCallerIDName.FindStringSubmatch(raw); m != nil {
		name = m[1]
	}
	if digitsOnly(name) == strings.TrimSpace(name) {
		return ""
	}
	return strings.TrimSpace(name)
}
