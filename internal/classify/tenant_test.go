package classify

import (
	"testing"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
)

func TestExtractTenantFromDContextPattern(t *testing.T) {
	p := NewPatterns(nil, nil, nil)
	g := &models.CallGroup{CDRs: []models.CDR{{DContext: "ext-5551234567-acme"}}}
	if got := p.ExtractTenant(g, "default"); got != "acme" {
		t.Fatalf("expected tenant 'acme', got %q", got)
	}
}

func TestExtractTenantSkipsKnownTrunk(t *testing.T) {
	p := NewPatterns(nil, []string{"acme"}, nil)
	g := &models.CallGroup{CDRs: []models.CDR{{DContext: "ext-5551234567-acme"}}}
	if got := p.ExtractTenant(g, "default"); got != "default" {
		t.Fatalf("expected fallback to default when candidate is a known trunk, got %q", got)
	}
}

func TestExtractTenantFromChannelFallback(t *testing.T) {
	p := NewPatterns(nil, nil, nil)
	g := &models.CallGroup{CDRs: []models.CDR{{Channel: "PJSIP/acmecorp-00000001"}}}
	if got := p.ExtractTenant(g, "default"); got != "acmecorp" {
		t.Fatalf("expected tenant from channel, got %q", got)
	}
}

func TestExtractTenantFallsBackToDefault(t *testing.T) {
	p := NewPatterns(nil, nil, nil)
	g := &models.CallGroup{CDRs: []models.CDR{{Channel: "sip", Context: "from-internal"}}}
	if got := p.ExtractTenant(g, "default"); got != "default" {
		t.Fatalf("expected default tenant when nothing valid matches, got %q", got)
	}
}

func TestIsValidTenantRejectsNumericAndHex(t *testing.T) {
	p := NewPatterns(nil, nil, nil)
	if p.isValidTenant("12345") {
		t.Fatalf("expected purely numeric candidate rejected")
	}
	if p.isValidTenant("deadbeef") {
		t.Fatalf("expected purely hex candidate rejected")
	}
	if p.isValidTenant("sip") {
		t.Fatalf("expected skip-set word rejected")
	}
	if !p.isValidTenant("acmecorp") {
		t.Fatalf("expected a plausible tenant label accepted")
	}
}
