package classify

import "testing"

func TestIsExtension(t *testing.T) {
	cases := map[string]bool{
		"1001": true, "97": true, "*97": true, "5551234567": false, "": false, "abc": false,
	}
	for in, want := range cases {
		if got := IsExtension(in); got != want {
			t.Errorf("IsExtension(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsAnonymous(t *testing.T) {
	for _, v := range []string{"anonymous", "Private", "RESTRICTED", "  unknown  "} {
		if !IsAnonymous(v) {
			t.Errorf("expected %q to be anonymous", v)
		}
	}
	if IsAnonymous("5551234567") {
		t.Fatalf("expected a real number to not be anonymous")
	}
}

func TestPatternsMatchesInternalContext(t *testing.T) {
	p := NewPatterns([]string{"custom-internal"}, nil, nil)
	if !p.MatchesInternalContext("from-internal") {
		t.Fatalf("expected default internal context to match")
	}
	if !p.MatchesInternalContext("custom-internal") {
		t.Fatalf("expected configured custom internal context to match")
	}
	if p.MatchesInternalContext("from-pstn") {
		t.Fatalf("expected external context to not match")
	}
}

func TestPatternsMatchesOutboundRoute(t *testing.T) {
	p := NewPatterns(nil, nil, nil)
	if !p.MatchesOutboundRoute("outbound-allroutes") {
		t.Fatalf("expected outbound-allroutes to match")
	}
	if !p.MatchesOutboundRoute("outrt-longdistance") {
		t.Fatalf("expected outrt-* to match")
	}
	if p.MatchesOutboundRoute("from-internal") {
		t.Fatalf("expected internal context to not match outbound routes")
	}
}
