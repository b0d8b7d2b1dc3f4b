package stix

import (
	"strings"
	"testing"

	"webcontent/reputation-service/internal/content"
)

func TestObservableID_Deterministic(t *testing.T) {
	a := content.Content{Type: content.DomainName, Value: "x.invalid"}
	b := content.Content{Type: content.DomainName, Value: "x.invalid"}
	if ObservableID(a) != ObservableID(b) {
		t.Fatal("same content produced different observable ids")
	}
	if !strings.HasPrefix(ObservableID(a), "domain-name--") {
		t.Errorf("unexpected id prefix: %s", ObservableID(a))
	}

	other := content.Content{Type: content.URL, Value: "x.invalid"}
	if ObservableID(a) == ObservableID(other) {
		t.Error("different types must not share an observable id")
	}
}

func TestIndicatorID(t *testing.T) {
	c := content.Content{Type: content.IPv4Addr, Value: "192.0.2.1"}
	id := IndicatorIDFor(c)
	if !strings.HasPrefix(id, "indicator--") {
		t.Fatalf("unexpected id prefix: %s", id)
	}
	if id != IndicatorID("[ipv4-addr:value = '192.0.2.1']") {
		t.Error("IndicatorIDFor and IndicatorID(pattern) disagree")
	}
}

func TestLabelAndIdentityIDs(t *testing.T) {
	if LabelID("Trusted Web Content") != LabelID("trusted web content") {
		t.Error("label ids should be case-insensitive")
	}
	seal := IdentityID("SEAL", "organization")
	if seal != IdentityID(" seal ", "organization") {
		t.Error("identity ids should normalise name")
	}
	if seal == IdentityID("ACME", "organization") {
		t.Error("distinct identities share an id")
	}
	if !strings.HasPrefix(seal, "identity--") {
		t.Errorf("unexpected id prefix: %s", seal)
	}
}

func TestPatternRoundTrip(t *testing.T) {
	cases := []content.Content{
		{Type: content.DomainName, Value: "example.invalid"},
		{Type: content.IPv6Addr, Value: "2001:db8::1"},
		{Type: content.URL, Value: "https://example.invalid/it's-here"},
		{Type: content.DomainName, Value: `odd\name.invalid`},
	}
	for _, c := range cases {
		p := PatternFor(c)
		got, err := ParsePattern(p)
		if err != nil {
			t.Fatalf("ParsePattern(%q): %v", p, err)
		}
		if got != c {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, c)
		}
	}

	if got := PatternFor(content.Content{Type: content.DomainName, Value: "a.invalid"}); got != "[domain-name:value = 'a.invalid']" {
		t.Errorf("unexpected pattern %q", got)
	}
}

func TestParsePattern_Unsupported(t *testing.T) {
	for _, p := range []string{
		"[file:hashes.MD5 = 'abc']",
		"[ipv4-addr:value = '1.1.1.1'] OR [ipv4-addr:value = '2.2.2.2']",
		"garbage",
	} {
		if _, err := ParsePattern(p); err == nil {
			t.Errorf("ParsePattern(%q) should fail", p)
		}
	}
}
