package content

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	valid := []Content{
		{Type: DomainName, Value: "example.invalid"},
		{Type: IPv4Addr, Value: "192.0.2.1"},
		{Type: IPv6Addr, Value: "2001:db8::1"},
		{Type: URL, Value: "https://example.invalid/path"},
		{Type: URL, Value: "ipfs://bafybeigdyrzt"},
	}
	for _, c := range valid {
		if err := c.Validate(); err != nil {
			t.Errorf("Validate(%s) = %v, want nil", c, err)
		}
	}

	invalid := []Content{
		{Type: DomainName, Value: ""},
		{Type: DomainName, Value: "http://example.invalid"},
		{Type: IPv4Addr, Value: "2001:db8::1"},
		{Type: IPv4Addr, Value: "300.1.1.1"},
		{Type: IPv6Addr, Value: "192.0.2.1"},
		{Type: URL, Value: "://missing-scheme"},
		{Type: URL, Value: "/relative/path"},
		{Type: "file", Value: "abc"},
	}
	for _, c := range invalid {
		err := c.Validate()
		if err == nil {
			t.Errorf("Validate(%s) = nil, want error", c)
			continue
		}
		if !errors.Is(err, ErrInvalidContent) {
			t.Errorf("Validate(%s) error %v does not wrap ErrInvalidContent", c, err)
		}
	}
}

func TestRelatedDomain(t *testing.T) {
	c := Content{Type: URL, Value: "https://sub.example.invalid:8443/a/b?c=d"}
	d, ok := c.RelatedDomain()
	if !ok {
		t.Fatal("expected related domain for https URL")
	}
	if d.Type != DomainName || d.Value != "sub.example.invalid" {
		t.Errorf("unexpected related domain %+v", d)
	}

	if _, ok := (Content{Type: URL, Value: "ipfs://bafybeigdyrzt"}).RelatedDomain(); ok {
		t.Error("ipfs URL should not have a related domain")
	}
	if _, ok := (Content{Type: DomainName, Value: "example.invalid"}).RelatedDomain(); ok {
		t.Error("domain content should not have a related domain")
	}
}

func TestObservableType(t *testing.T) {
	cases := map[Type]string{
		DomainName: "Domain-Name",
		IPv4Addr:   "IPv4-Addr",
		IPv6Addr:   "IPv6-Addr",
		URL:        "Url",
	}
	for typ, want := range cases {
		if got := (Content{Type: typ, Value: "x"}).ObservableType(); got != want {
			t.Errorf("ObservableType(%s) = %q, want %q", typ, got, want)
		}
	}
}

func TestRelatedDomain_NormalizesHost(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://EXAMPLE.com/login", "example.com"},
		{"http://Sub.Example.INVALID:8080/", "sub.example.invalid"},
		{"https://bücher.example/", "xn--bcher-kva.example"},
		{"https://BÜCHER.example/", "xn--bcher-kva.example"},
		{"https://my_host.example/", "my_host.example"},
	}
	for _, tt := range tests {
		d, ok := Content{Type: URL, Value: tt.url}.RelatedDomain()
		if !ok {
			t.Errorf("RelatedDomain(%s): no related domain", tt.url)
			continue
		}
		if d.Value != tt.want {
			t.Errorf("RelatedDomain(%s) = %q, want %q", tt.url, d.Value, tt.want)
		}
	}
}
