package classify

import (
	"testing"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
)

func testConfig() *Config {
	p := NewPatterns(nil, []string{"sbc1"}, nil)
	return &Config{Patterns: p}
}

func group(cdr models.CDR, cels ...models.CEL) *models.CallGroup {
	return &models.CallGroup{LinkedID: cdr.LinkedID, CDRs: []models.CDR{cdr}, CELs: cels}
}

func TestClassifyBothExtensionsIsInternal(t *testing.T) {
	r := Classify(group(models.CDR{Src: "1001", Dst: "1002", Context: "from-internal"}), testConfig())
	if r.Direction != models.DirectionInternal {
		t.Fatalf("expected internal, got %s", r.Direction)
	}
	if r.SrcExtension != "1001" || r.DstExtension != "1002" {
		t.Fatalf("unexpected extensions: %+v", r)
	}
}

func TestClassifyAnonymousSourceIsInbound(t *testing.T) {
	r := Classify(group(models.CDR{Src: "anonymous", Dst: "5551234567", Context: "from-pstn"}), testConfig())
	if r.Direction != models.DirectionInbound {
		t.Fatalf("expected inbound, got %s", r.Direction)
	}
	if !r.LikelyForwarded {
		t.Fatalf("expected LikelyForwarded when dst isn't an extension")
	}
}

func TestClassifyInternalContextOutboundDst(t *testing.T) {
	r := Classify(group(models.CDR{Src: "1001", Dst: "5551234567", DContext: "from-internal", Context: "from-internal"}), testConfig())
	if r.Direction != models.DirectionOutbound {
		t.Fatalf("expected outbound, got %s", r.Direction)
	}
	if r.SrcExtension != "1001" {
		t.Fatalf("expected src extension preserved, got %+v", r)
	}
	if r.DstNumber != "15551234567" {
		t.Fatalf("expected normalized dst number, got %q", r.DstNumber)
	}
}

func TestClassifyVoicemailSpecialCase(t *testing.T) {
	r := Classify(group(models.CDR{Src: "1001", Dst: "*97", Context: "from-internal"}), testConfig())
	if r.Direction != models.DirectionInternal {
		t.Fatalf("expected internal voicemail access, got %s", r.Direction)
	}
}

func TestClassifyExternalOriginOutboundRoute(t *testing.T) {
	r := Classify(group(models.CDR{Src: "5559876543", Dst: "5551234567", DContext: "outrt-longdistance"}), testConfig())
	if r.Direction != models.DirectionOutbound {
		t.Fatalf("expected outbound via outbound-route dcontext, got %s", r.Direction)
	}
}

func TestClassifyExternalOriginInboundToExtension(t *testing.T) {
	cdr := models.CDR{Src: "5559876543", Dst: "1001", DContext: "from-pstn-0000", Context: "from-pstn"}
	cel := models.CEL{EventType: models.EventChanStart, Exten: "4164775498", EventTime: time.Now()}
	r := Classify(group(cdr, cel), testConfig())
	if r.Direction != models.DirectionInbound {
		t.Fatalf("expected inbound, got %s", r.Direction)
	}
	if r.DstExtension != "1001" {
		t.Fatalf("expected dst extension preserved, got %+v", r)
	}
	if r.DstNumber != "14164775498" {
		t.Fatalf("expected DID recovered from CEL even though dst resolved to an extension, got %+v", r)
	}
}

func TestClassifyPseudoDestinationResolvedFromCEL(t *testing.T) {
	cdr := models.CDR{Src: "5559876543", Dst: "s", DContext: "from-pstn", Context: "from-pstn"}
	cel := models.CEL{EventType: models.EventChanStart, Exten: "5551234567", EventTime: time.Now()}
	r := Classify(group(cdr, cel), testConfig())
	if r.Direction != models.DirectionInbound {
		t.Fatalf("expected inbound, got %s", r.Direction)
	}
	if r.DstNumber != "15551234567" {
		t.Fatalf("expected DID recovered from CEL CHAN_START, got %q", r.DstNumber)
	}
}

// The following reproduce spec.md §8's literal end-to-end scenarios 1-4
// verbatim (scenarios 5/6 exercise the recording/shipper pipeline and live
// in internal/recording and internal/shipper instead).

func TestScenario1InboundToExtension(t *testing.T) {
	cdr := models.CDR{
		Src: "4165551234", Dst: "100",
		Channel: "SIP/sbc-ca2-telair-abc123", DstChannel: "PJSIP/100-telair-def456",
		Context: "from-trunk", DContext: "from-did-direct",
		Disposition: models.DispositionAnswered, Duration: 42,
	}
	cel := models.CEL{EventType: models.EventChanStart, Exten: "4164775498", EventTime: time.Now()}
	g := group(cdr, cel)
	cfg := testConfig()

	r := Classify(g, cfg)
	if r.Direction != models.DirectionInbound {
		t.Fatalf("expected direction i, got %s", r.Direction)
	}
	if r.SrcNumber != "14165551234" {
		t.Fatalf("expected src_number 14165551234, got %q", r.SrcNumber)
	}
	if r.DstNumber != "14164775498" {
		t.Fatalf("expected dst_number 14164775498 recovered from CEL, got %q", r.DstNumber)
	}
	if r.DstExtension != "100" {
		t.Fatalf("expected dst_extension 100, got %q", r.DstExtension)
	}

	tenant := cfg.Patterns.ExtractTenant(g, "")
	if tenant != "telair" {
		t.Fatalf("expected tenant telair, got %q", tenant)
	}
}

func TestScenario2OutboundFromExtension(t *testing.T) {
	cdr := models.CDR{
		Src: "200", Dst: "14165559999",
		Channel:     "PJSIP/200-gconnect-aaa111",
		Context:     "from-internal",
		DContext:    "outrt-1-trunk",
		Disposition: models.DispositionAnswered, Duration: 17,
	}
	g := group(cdr)
	cfg := testConfig()

	r := Classify(g, cfg)
	if r.Direction != models.DirectionOutbound {
		t.Fatalf("expected direction o, got %s", r.Direction)
	}
	if r.SrcExtension != "200" {
		t.Fatalf("expected src_extension 200, got %q", r.SrcExtension)
	}
	if r.DstNumber != "14165559999" {
		t.Fatalf("expected dst_number 14165559999, got %q", r.DstNumber)
	}

	tenant := cfg.Patterns.ExtractTenant(g, "")
	if tenant != "gconnect" {
		t.Fatalf("expected tenant gconnect, got %q", tenant)
	}
}

func TestScenario3ExtensionToExtension(t *testing.T) {
	cdr := models.CDR{
		Src: "200", Dst: "201",
		Channel: "PJSIP/200-telair-x", DstChannel: "PJSIP/201-telair-y",
		Context: "from-internal", DContext: "from-internal",
		Disposition: models.DispositionAnswered, Duration: 9,
	}
	g := group(cdr)
	cfg := testConfig()

	r := Classify(g, cfg)
	if r.Direction != models.DirectionInternal {
		t.Fatalf("expected direction x, got %s", r.Direction)
	}
	if r.SrcExtension != "200" || r.DstExtension != "201" {
		t.Fatalf("expected extensions 200/201, got %+v", r)
	}

	tenant := cfg.Patterns.ExtractTenant(g, "")
	if tenant != "telair" {
		t.Fatalf("expected tenant telair, got %q", tenant)
	}
}

func TestScenario4AnonymousInbound(t *testing.T) {
	cdr := models.CDR{
		Src: "anonymous", Dst: "100", Context: "from-trunk",
		Disposition: models.DispositionNoAnswer, Duration: 0,
	}
	cel := models.CEL{EventType: models.EventChanStart, Exten: "4164775498", EventTime: time.Now()}
	r := Classify(group(cdr, cel), testConfig())

	if r.Direction != models.DirectionInbound {
		t.Fatalf("expected direction i, got %s", r.Direction)
	}
	if r.SrcNumber != "" {
		t.Fatalf("expected src_number null, got %q", r.SrcNumber)
	}
	if r.DstNumber != "14164775498" {
		t.Fatalf("expected dst_number 14164775498 recovered from CEL, got %q", r.DstNumber)
	}
	if r.DstExtension != "100" {
		t.Fatalf("expected dst_extension 100, got %q", r.DstExtension)
	}
}

func TestClassifyEmptyGroupDefaultsInbound(t *testing.T) {
	r := Classify(&models.CallGroup{LinkedID: "x"}, testConfig())
	if r.Direction != models.DirectionInbound {
		t.Fatalf("expected inbound default for empty group, got %s", r.Direction)
	}
}
